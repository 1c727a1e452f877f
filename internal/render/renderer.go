// Package render produces the free5gc AUSF configuration file. Rendering is
// deterministic: the same inputs always yield byte-identical output so the
// config hash can drive workload restarts.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sdcore/ausf-operator/internal/constants"
	operrors "github.com/sdcore/ausf-operator/internal/errors"
)

// PodIPPlaceholder is substituted with the pod's own IP at container start.
// The operator renders it verbatim; only the init helper inside the pod knows
// the real address.
const PodIPPlaceholder = "${POD_IP}"

const (
	configVersion     = "1.0.0"
	configDescription = "AUSF initial local configuration"
)

// Inputs carries everything the AUSF configuration depends on.
type Inputs struct {
	NRFAddress string
	GroupID    string
	SBIPort    int32
}

// Validate reports an incomplete-state error naming the first missing input.
func (in Inputs) Validate() error {
	if in.NRFAddress == "" {
		return operrors.WrapIncompleteState("nrf_address not available from the fiveg_nrf relation")
	}
	if in.GroupID == "" {
		return operrors.WrapIncompleteState("group id is empty")
	}
	if in.SBIPort <= 0 {
		return operrors.WrapIncompleteState(fmt.Sprintf("sbi port %d is not valid", in.SBIPort))
	}
	return nil
}

type configFile struct {
	Info          infoSection   `yaml:"info"`
	Configuration configSection `yaml:"configuration"`
	Logger        loggerSection `yaml:"logger"`
}

type infoSection struct {
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

type configSection struct {
	ServiceNameList []string   `yaml:"serviceNameList"`
	SBI             sbiSection `yaml:"sbi"`
	NRFUri          string     `yaml:"nrfUri"`
	GroupID         string     `yaml:"groupId"`
}

type sbiSection struct {
	Scheme       string     `yaml:"scheme"`
	RegisterIPv4 string     `yaml:"registerIPv4"`
	BindingIPv4  string     `yaml:"bindingIPv4"`
	Port         int32      `yaml:"port"`
	TLS          tlsSection `yaml:"tls"`
}

type tlsSection struct {
	PEM string `yaml:"pem"`
	Key string `yaml:"key"`
}

type loggerSection struct {
	AUSF componentLogger `yaml:"AUSF"`
}

type componentLogger struct {
	DebugLevel   string `yaml:"debugLevel"`
	ReportCaller bool   `yaml:"ReportCaller"`
}

// Config renders the AUSF configuration for the given inputs. The register
// address is left as a placeholder for in-pod substitution since the operator
// cannot know pod IPs ahead of scheduling.
func Config(in Inputs) ([]byte, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	nrfURI := in.NRFAddress
	if !strings.Contains(nrfURI, "://") {
		nrfURI = "http://" + nrfURI
	}

	cfg := configFile{
		Info: infoSection{
			Version:     configVersion,
			Description: configDescription,
		},
		Configuration: configSection{
			ServiceNameList: []string{"nausf-auth"},
			SBI: sbiSection{
				Scheme:       "https",
				RegisterIPv4: PodIPPlaceholder,
				BindingIPv4:  "0.0.0.0",
				Port:         in.SBIPort,
				TLS: tlsSection{
					PEM: constants.PathCertificate,
					Key: constants.PathPrivateKey,
				},
			},
			NRFUri:  nrfURI,
			GroupID: in.GroupID,
		},
		Logger: loggerSection{
			AUSF: componentLogger{
				DebugLevel:   "info",
				ReportCaller: false,
			},
		},
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal AUSF configuration: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 of rendered content. Used as the pod template
// annotation that forces a restart when the configuration changes.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SubstitutePodIP replaces the register address placeholder. It errors when
// the placeholder is absent so a template drift does not silently produce a
// config registering 0.0.0.0 with the NRF.
func SubstitutePodIP(content []byte, podIP string) ([]byte, error) {
	if podIP == "" {
		return nil, fmt.Errorf("pod IP is empty")
	}
	if !strings.Contains(string(content), PodIPPlaceholder) {
		return nil, fmt.Errorf("configuration template does not contain the %s placeholder", PodIPPlaceholder)
	}
	return []byte(strings.ReplaceAll(string(content), PodIPPlaceholder, podIP)), nil
}
