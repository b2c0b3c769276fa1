package deploy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/worldmind/worldmind/internal/config"
)

// jvmJREConfig pins the JRE major version for the Java buildpack; without it
// the buildpack defaults to a JRE older than current Boot apps need.
const jvmJREConfig = "{ jre: { version: 21.+ } }"

type manifestRoute struct {
	Route string `yaml:"route"`
}

type manifestApp struct {
	Name       string            `yaml:"name"`
	Memory     string            `yaml:"memory,omitempty"`
	Instances  int               `yaml:"instances,omitempty"`
	Path       string            `yaml:"path,omitempty"`
	Buildpacks []string          `yaml:"buildpacks,omitempty"`
	Routes     []manifestRoute   `yaml:"routes,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Services   []string          `yaml:"services,omitempty"`
}

type manifestDoc struct {
	Applications []manifestApp `yaml:"applications"`
}

// ManifestSpec is the input to manifest generation.
type ManifestSpec struct {
	MissionID string
	// AppType hints artifact layout: "jvm" apps get a target/ jar path and
	// the JRE env pin.
	AppType string
	// Services lists service instances to bind; empty means none.
	Services []string
	Config   config.DeployerConfig
}

// GenerateManifest renders the manifest.yml Worldmind writes for generated
// deployments. The application is named after the mission so routes are
// predictable and teardown can find it.
func GenerateManifest(spec ManifestSpec) (string, error) {
	if spec.MissionID == "" {
		return "", fmt.Errorf("manifest: mission id is required")
	}

	app := manifestApp{
		Name:      spec.MissionID,
		Memory:    spec.Config.Memory,
		Instances: spec.Config.Instances,
		Services:  spec.Services,
	}
	if app.Memory == "" {
		app.Memory = "1G"
	}
	if app.Instances == 0 {
		app.Instances = 1
	}
	if spec.Config.Buildpack != "" {
		app.Buildpacks = []string{spec.Config.Buildpack}
	}
	if spec.Config.AppsDomain != "" {
		app.Routes = []manifestRoute{{Route: fmt.Sprintf("%s.apps.%s", spec.MissionID, spec.Config.AppsDomain)}}
	}
	if isJVM(spec.AppType) {
		app.Path = "target/*.jar"
		app.Env = map[string]string{"JBP_CONFIG_OPEN_JDK_JRE": jvmJREConfig}
	}

	out, err := yaml.Marshal(manifestDoc{Applications: []manifestApp{app}})
	if err != nil {
		return "", fmt.Errorf("manifest: %w", err)
	}
	return string(out), nil
}

func isJVM(appType string) bool {
	switch strings.ToLower(appType) {
	case "jvm", "java", "spring", "spring-boot":
		return true
	}
	return false
}

// ServicesFromAnswer derives the manifest's services block from the
// clarifying answer about service needs. The literal no-services answer (or
// an empty one) yields none; otherwise every dashed-lowercase token that
// looks like a service instance name is bound.
func ServicesFromAnswer(answer string) []string {
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" || strings.EqualFold(trimmed, "No services needed") {
		return nil
	}
	var services []string
	seen := make(map[string]bool)
	for _, m := range serviceRe.FindAllStringSubmatch(answer, -1) {
		name := m[1]
		if name == "" || strings.EqualFold(name, "null") || seen[name] {
			continue
		}
		seen[name] = true
		services = append(services, name)
	}
	return services
}
