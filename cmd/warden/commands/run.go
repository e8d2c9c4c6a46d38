package commands

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logstore"
	"github.com/wardenhq/warden/internal/process"
	"github.com/wardenhq/warden/internal/provider"
	"github.com/wardenhq/warden/internal/supervisor"
	"github.com/wardenhq/warden/pkg/types"
)

var (
	runDir      string
	runPrompt   string
	runMode     string
	runProvider string
	runTimeout  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Run one headless session to completion",
	Long: `Run a single session without the server: start the agent, send one
prompt, print the conversation, and exit when the turn settles.

Examples:
  warden run "Fix the bug in main.go"
  warden run -C ~/src/app -p "Explain the build failure"
  warden run --mode plan "Sketch a refactor of the parser"`,
	RunE: runHeadless,
}

func init() {
	runCmd.Flags().StringVarP(&runDir, "directory", "C", "", "Project directory (default: current)")
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "Prompt to send")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Permission mode (default|acceptEdits|plan|bypassPermissions)")
	runCmd.Flags().StringVar(&runProvider, "provider", "", "Agent provider (claude|codex)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 10*time.Minute, "Give up after this long")
}

func runHeadless(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.EnsurePaths(); err != nil {
		return err
	}

	dir := runDir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return err
		}
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return err
	}

	prompt := runPrompt
	if prompt == "" {
		prompt = strings.Join(args, " ")
	}
	if prompt == "" {
		return fmt.Errorf("prompt required. Usage: warden run \"your prompt\"")
	}

	store := logstore.New(cfg.DataDir)
	bus := event.NewBus()
	defer bus.Close()

	sup := supervisor.New(store, bus, provider.DefaultRegistry(), supervisor.Config{
		PerProjectCap:   cfg.PerProjectConcurrencyCap,
		MaxQueueSize:    cfg.MaxQueueSize,
		MessageQueueCap: cfg.MessageQueueCap,
	})
	defer sup.Shutdown("run-complete")

	res, err := sup.StartSession(supervisor.StartOptions{
		ProjectPath: dir,
		Message:     prompt,
		Mode:        types.PermissionMode(runMode),
		Provider:    runProvider,
	})
	if err != nil {
		return err
	}
	p := res.Process

	settled := make(chan struct{})
	var once sync.Once
	unsub := p.Subscribe(func(ev process.Event) {
		switch ev.Kind {
		case process.EventMessage:
			if ev.Record != nil && ev.Record.Type == types.RecordTypeAssistant && ev.Record.Message != nil {
				fmt.Println(ev.Record.Message.Text())
			}
		case process.EventError:
			fmt.Fprintln(os.Stderr, "error:", ev.Err)
		case process.EventStateChange:
			if ev.State != nil && (ev.State.Kind == types.StateIdle || ev.State.Terminal()) {
				once.Do(func() { close(settled) })
			}
		}
	})
	defer unsub()

	// The turn can settle before the listener registers.
	if st := p.State(); st.Kind == types.StateIdle || st.Terminal() {
		once.Do(func() { close(settled) })
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	timer := time.NewTimer(runTimeout)
	defer timer.Stop()

	select {
	case <-settled:
	case <-p.Done():
	case <-timer.C:
		return fmt.Errorf("session did not settle within %s", runTimeout)
	case <-interrupt:
		sup.AbortProcess(p.ID(), "user-request")
		return fmt.Errorf("interrupted")
	}
	return nil
}
