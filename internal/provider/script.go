package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

const setupScriptRemote = "/tmp/webgrove-setup.sh"

// installerPath is baked into the image by the setup script. The installer
// is idempotent and prints its credentials as JSON on every run.
const installerPath = "/opt/webgrove/install.sh"

// ScriptRunnerConfig configures SSH access to provisioned machines.
type ScriptRunnerConfig struct {
	User            string
	ConnectTimeout  time.Duration
	SetupScriptPath string
	RemoteDir       string
}

// ScriptRunner executes host-level operations over SSH and SFTP. It is
// stateless; every operation dials a fresh connection with the handle's key.
type ScriptRunner struct {
	cfg    ScriptRunnerConfig
	logger zerolog.Logger
}

// NewScriptRunner creates a script runner.
func NewScriptRunner(cfg ScriptRunnerConfig) *ScriptRunner {
	return &ScriptRunner{
		cfg:    cfg,
		logger: log.With().Str("component", "script-runner").Logger(),
	}
}

// RunSetup uploads the setup script to the machine and executes it with the
// payload as arguments. A non-zero exit becomes SetupFailedError.
func (sr *ScriptRunner) RunSetup(ctx context.Context, handle *ResourceHandle, payload SetupPayload) error {
	client, err := sr.dial(ctx, handle)
	if err != nil {
		return err
	}
	defer client.Close()

	script, err := os.ReadFile(sr.cfg.SetupScriptPath)
	if err != nil {
		return fmt.Errorf("read setup script: %w", err)
	}
	if err := sr.putFile(client, setupScriptRemote, script, 0o755); err != nil {
		return fmt.Errorf("upload setup script: %w", err)
	}

	cmd := fmt.Sprintf("%s %q %q", setupScriptRemote, payload.Domain, payload.AdminEmail)
	output, exitCode, err := sr.run(ctx, client, cmd)
	if err != nil {
		return fmt.Errorf("run setup script on %s: %w", handle.PublicIPv4, err)
	}
	if exitCode != 0 {
		return &SetupFailedError{
			Host:     handle.PublicIPv4,
			ExitCode: exitCode,
			Output:   tail(output, 2048),
		}
	}

	sr.logger.Info().Str("host", handle.PublicIPv4).Str("domain", payload.Domain).Msg("Setup script completed")
	return nil
}

// Install runs the remote installer and parses the credentials it prints.
func (sr *ScriptRunner) Install(ctx context.Context, handle *ResourceHandle, payload SoftwarePayload) (*Credentials, error) {
	client, err := sr.dial(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	cmd := fmt.Sprintf("%s %q %d", installerPath, payload.Domain, payload.PagesNumber)
	output, exitCode, err := sr.run(ctx, client, cmd)
	if err != nil {
		return nil, fmt.Errorf("run installer on %s: %w", handle.PublicIPv4, err)
	}
	if exitCode != 0 {
		return nil, &SetupFailedError{
			Host:     handle.PublicIPv4,
			ExitCode: exitCode,
			Output:   tail(output, 2048),
		}
	}

	// The installer's last line is a JSON credentials object.
	var creds struct {
		WPToken string `json:"wp_token"`
		WPPort  string `json:"wp_port"`
	}
	if err := json.Unmarshal(lastLine(output), &creds); err != nil {
		return nil, fmt.Errorf("parse installer output from %s: %w", handle.PublicIPv4, err)
	}
	if creds.WPToken == "" {
		return nil, fmt.Errorf("installer on %s returned empty credentials", handle.PublicIPv4)
	}

	sr.logger.Info().Str("host", handle.PublicIPv4).Str("domain", payload.Domain).Msg("Software installed")
	return &Credentials{WPToken: creds.WPToken, WPPort: creds.WPPort}, nil
}

// UploadArtifacts places generated files under the configured remote
// directory via SFTP.
func (sr *ScriptRunner) UploadArtifacts(ctx context.Context, handle *ResourceHandle, artifacts []Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := sr.dial(ctx, handle)
	if err != nil {
		return err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(sr.cfg.RemoteDir); err != nil {
		return fmt.Errorf("mkdir %s: %w", sr.cfg.RemoteDir, err)
	}

	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		remote := path.Join(sr.cfg.RemoteDir, a.Name)
		f, err := sftpClient.Create(remote)
		if err != nil {
			return fmt.Errorf("create %s: %w", remote, err)
		}
		_, err = f.Write(a.Content)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("write %s: %w", remote, err)
		}
		if closeErr != nil {
			return fmt.Errorf("close %s: %w", remote, closeErr)
		}
	}

	sr.logger.Info().
		Str("host", handle.PublicIPv4).
		Int("artifacts", len(artifacts)).
		Msg("Artifacts uploaded")
	return nil
}

func (sr *ScriptRunner) dial(ctx context.Context, handle *ResourceHandle) (*ssh.Client, error) {
	signer, err := ssh.ParsePrivateKey([]byte(handle.SSHPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse ssh key for %s: %w", handle.PublicIPv4, err)
	}

	config := &ssh.ClientConfig{
		User:            sr.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sr.cfg.ConnectTimeout,
	}

	addr := handle.PublicIPv4 + ":22"
	clientCh := make(chan *ssh.Client)
	errCh := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, config)
		if err != nil {
			errCh <- err
			return
		}
		// Nobody receives once the caller gave up on the context; close
		// the connection instead of parking it.
		select {
		case clientCh <- client:
		case <-ctx.Done():
			client.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
	case err := <-errCh:
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	case client := <-clientCh:
		return client, nil
	}
}

// run executes a command in a fresh session and returns combined output and
// exit code. Only transport errors are returned as err.
func (sr *ScriptRunner) run(ctx context.Context, client *ssh.Client, cmd string) ([]byte, int, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, 0, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return output.Bytes(), 0, ctx.Err()
	case err := <-done:
		if err == nil {
			return output.Bytes(), 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return output.Bytes(), exitErr.ExitStatus(), nil
		}
		return output.Bytes(), 0, err
	}
}

func (sr *ScriptRunner) putFile(client *ssh.Client, remote string, content []byte, mode os.FileMode) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer sftpClient.Close()

	f, err := sftpClient.Create(remote)
	if err != nil {
		return fmt.Errorf("create %s: %w", remote, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", remote, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", remote, err)
	}
	return sftpClient.Chmod(remote, mode)
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

func lastLine(b []byte) []byte {
	b = bytes.TrimRight(b, "\r\n")
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		return bytes.TrimSpace(b[i+1:])
	}
	return bytes.TrimSpace(b)
}
