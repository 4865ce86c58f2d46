package supervisor

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrLaunchCommandRequired = errors.New("supervisor: launch command required")

// LaunchSpec describes how to spawn one server process. Args, Env values and
// ShutdownKeyFile may use the placeholders {host}, {port}, {server_id} and
// {shutdown_key}.
type LaunchSpec struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	Stdout  io.Writer
	Stderr  io.Writer

	// ShutdownKeyFile is read after startup when the server picks its own
	// shutdown key instead of accepting the generated one.
	ShutdownKeyFile string
}

func (s LaunchSpec) expand(vars map[string]string) LaunchSpec {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	out := s
	out.Args = make([]string, len(s.Args))
	for i, a := range s.Args {
		out.Args[i] = r.Replace(a)
	}
	out.Env = make([]string, len(s.Env))
	for i, e := range s.Env {
		out.Env[i] = r.Replace(e)
	}
	out.ShutdownKeyFile = r.Replace(s.ShutdownKeyFile)
	return out
}

// JavaOptions configures the stock Java annotation server.
type JavaOptions struct {
	Java                 string
	Home                 string
	Classpath            string
	Memory               string
	Timeout              time.Duration
	Threads              int
	MaxCharLength        int
	Quiet                bool
	ServerPropertiesFile string
	Preload              []string
	ExtraArgs            []string
}

func DefaultJavaOptions() JavaOptions {
	return JavaOptions{
		Java:          "java",
		Home:          os.Getenv("CORENLP_HOME"),
		Memory:        "5G",
		Timeout:       60 * time.Second,
		Threads:       5,
		MaxCharLength: 100000,
		Quiet:         true,
	}
}

// CoreNLPLaunch builds the Java command line for the annotation server.
func CoreNLPLaunch(o JavaOptions) LaunchSpec {
	java := strings.TrimSpace(o.Java)
	if java == "" {
		java = "java"
	}
	classpath := strings.TrimSpace(o.Classpath)
	if classpath == "" && strings.TrimSpace(o.Home) != "" {
		classpath = filepath.Join(o.Home, "*")
	}

	args := make([]string, 0, 24)
	if o.Memory != "" {
		args = append(args, "-Xmx"+o.Memory)
	}
	if classpath != "" {
		args = append(args, "-cp", classpath)
	}
	args = append(args,
		"edu.stanford.nlp.pipeline.StanfordCoreNLPServer",
		"-port", "{port}",
		"-server_id", "{server_id}",
	)
	if o.Timeout > 0 {
		args = append(args, "-timeout", strconv.FormatInt(o.Timeout.Milliseconds(), 10))
	}
	if o.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(o.Threads))
	}
	if o.MaxCharLength > 0 {
		args = append(args, "-maxCharLength", strconv.Itoa(o.MaxCharLength))
	}
	if o.Quiet {
		args = append(args, "-quiet", "true")
	}
	if o.ServerPropertiesFile != "" {
		args = append(args, "-serverProperties", o.ServerPropertiesFile)
	}
	if len(o.Preload) > 0 {
		args = append(args, "-preload", strings.Join(o.Preload, ","))
	}
	args = append(args, o.ExtraArgs...)

	return LaunchSpec{
		Command:         java,
		Args:            args,
		ShutdownKeyFile: filepath.Join(os.TempDir(), "corenlp.shutdown.{server_id}"),
	}
}

// Process is a spawned server process.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err is the exit error; valid after Done is closed.
	Err() error
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher spawns server processes. Process lifetime is never tied to a
// context; only the supervisor stops what it launched.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// ExecLauncher spawns processes on the local host.
type ExecLauncher struct{}

func (ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, ErrLaunchCommandRequired
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
