package driver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	dockerContainerName = "capium-chrome"
	dockerDevToolsURL   = "http://localhost:9222"
)

// DefaultDockerImage is the headless Chrome image started when no local
// Chrome is installed.
const DefaultDockerImage = "browserless/chrome"

// Targets run concurrently; only one of them may start the container.
var dockerMu sync.Mutex

// StartDockerChrome starts a Chrome container unless one is already running
// and returns its DevTools address.
func StartDockerChrome(ctx context.Context, image string, logger *zap.Logger) (string, error) {
	dockerMu.Lock()
	defer dockerMu.Unlock()

	if _, err := exec.LookPath("docker"); err != nil {
		return "", fmt.Errorf("docker not installed: %w", err)
	}
	if image == "" {
		image = DefaultDockerImage
	}

	running, err := dockerChromeRunning(ctx)
	if err != nil {
		return "", err
	}
	if running {
		logger.Debug("Using existing Chrome container", zap.String("container", dockerContainerName))
		return dockerDevToolsURL, nil
	}

	logger.Info("Starting Chrome container...", zap.String("image", image))
	cmd := exec.CommandContext(ctx, "docker", "run", "-d", "--rm", "--name", dockerContainerName, "-p", "9222:9222", image)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to start chrome container: %w, output: %s", err, string(output))
	}

	logger.Info("Waiting for Chrome container to be ready...")
	if err := waitForDevTools(ctx, dockerDevToolsURL); err != nil {
		return "", fmt.Errorf("chrome container started but not responding: %w", err)
	}
	logger.Info("Chrome container is ready")
	return dockerDevToolsURL, nil
}

// StopDockerChrome stops the container started by StartDockerChrome, if any.
func StopDockerChrome(logger *zap.Logger) {
	if _, err := exec.LookPath("docker"); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if running, err := dockerChromeRunning(ctx); err != nil || !running {
		return
	}

	logger.Info("Stopping Chrome Docker container...")
	if err := exec.CommandContext(ctx, "docker", "stop", dockerContainerName).Run(); err != nil {
		logger.Warn("Failed to stop Chrome container", zap.Error(err))
		return
	}
	logger.Info("Chrome Docker container stopped")
}

func dockerChromeRunning(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "docker", "ps", "-q", "-f", "name="+dockerContainerName, "-f", "status=running")
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to check for running chrome container: %w", err)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// waitForDevTools polls the DevTools version endpoint until it advertises a
// websocket debugger URL.
func waitForDevTools(ctx context.Context, base string) error {
	client := cleanhttp.DefaultClient()
	client.Timeout = 2 * time.Second

	backoff := retry.WithMaxRetries(10, retry.NewConstant(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/version", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !strings.Contains(string(body), "webSocketDebuggerUrl") {
			return retry.RetryableError(fmt.Errorf("devtools not ready: status %d", resp.StatusCode))
		}
		return nil
	})
}
