// The agent daemon: serves the RPC method surface inside an application
// container, optionally fronting subordinate agents in the same pod
// (primary mode) or registering itself with a primary (subordinate mode).
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxvault/vault/internal/agentcore"
	"github.com/fluxvault/vault/internal/identity"
	"github.com/fluxvault/vault/internal/logging"
	"github.com/fluxvault/vault/internal/registrar"
	"github.com/fluxvault/vault/internal/rpc"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	flagApp           string
	flagComponent     string
	flagPort          int
	flagWorkDir       string
	flagJSONLogs      bool
	flagSubordinate   bool
	flagPrimaryHost   string
	flagRegistrarPort int
	flagPeerAllow     []string
	flagSigningAllow  []string
	flagPkgManager    string
)

// hostInstaller installs plugin-declared packages by shelling out to the
// operator-configured package manager command.
type hostInstaller struct {
	command []string
}

func (h hostInstaller) Install(ctx context.Context, packages []string) error {
	args := append(append([]string{}, h.command...), packages...)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:     "fluxvault-agent",
	Short:   "In-tenant agent exposing the file-state RPC surface to a Keeper",
	Version: fmt.Sprintf("%s (%s)", version, commit),
	RunE:    run,
}

func init() {
	rootCmd.Flags().StringVar(&flagApp, "app", "", "application name (required)")
	rootCmd.Flags().StringVar(&flagComponent, "component", "primary", "this agent's component name")
	rootCmd.Flags().IntVar(&flagPort, "port", 8888, "plaintext listen port; TLS rebinds on port+1")
	rootCmd.Flags().StringVar(&flagWorkDir, "workdir", "", "working directory remote paths resolve against (required)")
	rootCmd.Flags().BoolVar(&flagJSONLogs, "log-json", false, "emit JSON log lines instead of text")
	rootCmd.Flags().BoolVar(&flagSubordinate, "subordinate", false, "register with a primary instead of running a registrar")
	rootCmd.Flags().StringVar(&flagPrimaryHost, "primary", "", "primary agent host, required in subordinate mode")
	rootCmd.Flags().IntVar(&flagRegistrarPort, "registrar-port", 2080, "registrar HTTP port (served in primary mode, dialed in subordinate mode)")
	rootCmd.Flags().StringSliceVar(&flagPeerAllow, "allow-peer", nil, "peer IPs allowed to connect; empty allows all")
	rootCmd.Flags().StringSliceVar(&flagSigningAllow, "allow-identity", nil, "fabric addresses accepted during signature authentication")
	rootCmd.Flags().StringVar(&flagPkgManager, "package-manager", "", `command prefix for installing plugin-declared packages (e.g. "apt-get install -y"); empty skips plugins that declare any`)
	_ = rootCmd.MarkFlagRequired("app")
	_ = rootCmd.MarkFlagRequired("workdir")
}

func run(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	if flagSubordinate && flagPrimaryHost == "" {
		return fmt.Errorf("--primary is required in subordinate mode")
	}
	log := logging.New(flagJSONLogs, "agent")

	var installer rpc.PackageInstaller
	if flagPkgManager != "" {
		installer = hostInstaller{command: strings.Fields(flagPkgManager)}
	}

	self := identity.Agent{AppName: flagApp, Component: flagComponent}
	core := agentcore.New(agentcore.Config{
		Self:      self,
		WorkDir:   flagWorkDir,
		Log:       log.With("component", flagComponent),
		Installer: installer,
		Details: agentcore.Details{
			PlainPort: flagPort,
			TLSPort:   flagPort + 1,
		},
	})
	defer core.Registry().Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverCfg := agentcore.ServerConfig{
		Core:             core,
		Port:             flagPort,
		Log:              log.Logger,
		PeerWhitelist:    flagPeerAllow,
		SigningWhitelist: flagSigningAllow,
	}

	if flagSubordinate {
		regClient := registrar.NewClient(flagPrimaryHost, flagRegistrarPort, agentcore.SubordinateInfo{
			Name:    flagComponent,
			AppName: flagApp,
			Role:    "subordinate",
		}, log.Logger)
		go func() {
			if err := regClient.Register(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("registration with primary failed", "error", err)
			}
		}()
		serverCfg.OnTLSActive = func() {
			updateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := regClient.UpdateEnrolled(updateCtx, true); err != nil {
				log.Warn("could not report enrolled flag", "error", err)
			}
		}
	} else {
		reg := registrar.New()
		core.SetSubordinateLister(reg)
		serverCfg.SubordinateAddr = func(name string) (string, error) {
			info, ok := reg.Lookup(name)
			if !ok {
				return "", fmt.Errorf("subordinate %q is not registered", name)
			}
			port := flagPort
			if info.Enrolled {
				port++
			}
			return net.JoinHostPort(name, strconv.Itoa(port)), nil
		}

		regSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", flagRegistrarPort),
			Handler: reg.Handler(log.Logger),
		}
		go func() {
			log.Info("registrar listening", "port", flagRegistrarPort)
			if err := regSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("registrar server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = regSrv.Shutdown(shutdownCtx)
		}()
	}

	server := agentcore.NewServer(serverCfg)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("agent shut down cleanly")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
