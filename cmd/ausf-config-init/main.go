// ausf-config-init renders the AUSF configuration inside the workload pod.
// It runs as an init container: it reads the operator-rendered template,
// substitutes the pod's own IP and writes the result onto the config volume
// atomically, so the AUSF process never sees a partial file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/sdcore/ausf-operator/internal/constants"
	"github.com/sdcore/ausf-operator/internal/render"
)

// configFileMode is the file mode used for the rendered configuration. The
// configuration carries no secret material.
const configFileMode = 0o644

func renderConfig(templatePath, outputPath, podIP string) error {
	if strings.TrimSpace(templatePath) == "" {
		return fmt.Errorf("template path is required")
	}
	if strings.TrimSpace(outputPath) == "" {
		return fmt.Errorf("output path is required")
	}

	// POD_IP may not be populated the instant the init container starts;
	// give the kubelet a moment to fill it in.
	if strings.TrimSpace(podIP) == "" {
		_ = wait.PollUntilContextTimeout(context.Background(), 500*time.Millisecond, 5*time.Second, true,
			func(context.Context) (bool, error) {
				podIP = strings.TrimSpace(os.Getenv(constants.EnvPodIP))
				return podIP != "", nil
			})
		if strings.TrimSpace(podIP) == "" {
			return fmt.Errorf("POD_IP environment variable is required but not available after waiting (must be set from pod status.podIP)")
		}
	}

	cleanTemplatePath := filepath.Clean(templatePath)
	if strings.Contains(cleanTemplatePath, "..") {
		return fmt.Errorf("template path %q contains path traversal", templatePath)
	}
	content, err := os.ReadFile(cleanTemplatePath) // #nosec G304 -- Path is validated and cleaned to prevent traversal
	if err != nil {
		return fmt.Errorf("failed to read template file %q: %w", cleanTemplatePath, err)
	}

	rendered, err := render.SubstitutePodIP(content, podIP)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}

	cleanOutputPath := filepath.Clean(outputPath)
	if strings.Contains(cleanOutputPath, "..") {
		return fmt.Errorf("output path %q contains path traversal", outputPath)
	}
	if err := os.MkdirAll(filepath.Dir(cleanOutputPath), 0o750); err != nil {
		return fmt.Errorf("failed to create output directory for %q: %w", cleanOutputPath, err)
	}
	if err := render.WriteFileAtomic(cleanOutputPath, rendered, configFileMode); err != nil {
		return fmt.Errorf("failed to write rendered config to %q: %w", cleanOutputPath, err)
	}
	return nil
}

func main() {
	templatePath := flag.String("template", constants.PathConfigTemplate, "path to the config template file")
	outputPath := flag.String("output", constants.PathConfigFile, "path to write the rendered config file")
	flag.Parse()

	if err := renderConfig(*templatePath, *outputPath, os.Getenv(constants.EnvPodIP)); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ausf-config-init error: %v\n", err)
		os.Exit(1)
	}
}
