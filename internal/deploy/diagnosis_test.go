package deploy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmind/worldmind/internal/config"
)

func TestDiagnose_Success(t *testing.T) {
	out := `Pushing app wmnd-2026-0001...
Waiting for app to start...

name:      wmnd-2026-0001
requested state:   started
routes:    wmnd-2026-0001.apps.example.com
status: running
instances: 1/1
`
	d := Diagnose(out)
	assert.True(t, d.Succeeded)
	assert.Equal(t, "wmnd-2026-0001.apps.example.com", d.Route)
}

func TestDiagnose_StandaloneOK(t *testing.T) {
	d := Diagnose("Updating app...\nOK\n")
	assert.True(t, d.Succeeded)

	d = Diagnose("everything is OKAY maybe")
	assert.False(t, d.Succeeded, "OK must stand alone on its line")
	assert.Equal(t, CategoryUnknown, d.Category)
}

func TestDiagnose_BuildFailure(t *testing.T) {
	d := Diagnose("[ERROR] COMPILATION ERROR :\n[ERROR] /app/src/Main.java:[10,5] cannot find symbol\nBUILD FAILURE\n")
	assert.False(t, d.Succeeded)
	assert.Equal(t, CategoryBuildFailure, d.Category)
	assert.NotEmpty(t, d.Hint)
}

func TestDiagnose_StagingFailure(t *testing.T) {
	d := Diagnose("Staging app...\nError staging application: NoBuildpackDetected\nFAILED\n")
	assert.Equal(t, CategoryStagingFailure, d.Category)
	assert.Contains(t, d.Detail, "NoBuildpackDetected")
}

func TestDiagnose_AppCrashed(t *testing.T) {
	d := Diagnose("Waiting for app to start...\nprocess has crashed with type: web\nexited with status 1\n")
	assert.Equal(t, CategoryAppCrashed, d.Category)
	assert.Contains(t, strings.ToLower(d.Hint), "logs")
}

func TestDiagnose_HealthCheckTimeout(t *testing.T) {
	d := Diagnose("Waiting for app to start...\nfailed to accept connections within health check timeout\n")
	assert.Equal(t, CategoryHealthCheckTimeout, d.Category)
	assert.Contains(t, d.Hint, "$PORT")
}

func TestDiagnose_ServiceBindingFailure(t *testing.T) {
	d := Diagnose(`Binding services...
Could not find service 'orders-db' to bind to app
FAILED
`)
	assert.Equal(t, CategoryServiceBindingFailure, d.Category)
	assert.Equal(t, "orders-db", d.MissingService)
	assert.Contains(t, d.Hint, "orders-db")
}

func TestDiagnose_ServiceBindingFallbackName(t *testing.T) {
	d := Diagnose("binding failed for unknown reasons\n")
	assert.Equal(t, CategoryServiceBindingFailure, d.Category)
	assert.Equal(t, "required-service", d.MissingService, "name fallback is generic, never empty")
}

func TestDiagnose_BindingServiceFailedPair(t *testing.T) {
	d := Diagnose("Binding service orders-db to app wmnd-2026-0001...\nFAILED\n")
	assert.Equal(t, CategoryServiceBindingFailure, d.Category)
	assert.Equal(t, "orders-db", d.MissingService)
}

func TestDiagnose_LifecycleOrder(t *testing.T) {
	// Earlier push phases win when several categories leave markers.
	d := Diagnose("BUILD FAILURE\nbinding failed\n")
	assert.Equal(t, CategoryBuildFailure, d.Category)

	d = Diagnose("Error staging application\nCould not find service 'cache' to bind\n")
	assert.Equal(t, CategoryStagingFailure, d.Category)

	d = Diagnose("process crashed\nhealth check timeout\n")
	assert.Equal(t, CategoryAppCrashed, d.Category)
}

func TestDiagnose_CrashedNoiseInRunningApp(t *testing.T) {
	// A previous instance crashed during restart, but the push ended with the
	// app running: that is a success, not an APP_CRASHED verdict.
	d := Diagnose("instance 0 crashed during restart\nstatus: running\ninstances: 1/1\nroutes: app.apps.example.com\n")
	assert.True(t, d.Succeeded)
	assert.Equal(t, "app.apps.example.com", d.Route)
}

func TestDiagnose_Unknown(t *testing.T) {
	d := Diagnose("\n\nsomething inscrutable happened\n")
	assert.False(t, d.Succeeded)
	assert.Equal(t, CategoryUnknown, d.Category)
	assert.Equal(t, "something inscrutable happened", d.Detail)
}

func TestRetryDiagnosis(t *testing.T) {
	s := RetryDiagnosis("TASK-004", Diagnosis{
		Category: CategoryAppCrashed,
		Detail:   "exited with status 1",
		Hint:     "check logs",
	})
	assert.Contains(t, s, "TASK-004 deployment failed: APP_CRASHED")
	assert.Contains(t, s, "Evidence: exited with status 1")
	assert.Contains(t, s, "Hint: check logs")
}

func TestGenerateManifest_JVM(t *testing.T) {
	out, err := GenerateManifest(ManifestSpec{
		MissionID: "wmnd-2026-0001",
		AppType:   "spring-boot",
		Services:  []string{"orders-db", "cache"},
		Config: config.DeployerConfig{
			Memory:     "2G",
			Instances:  2,
			Buildpack:  "java_buildpack_offline",
			AppsDomain: "example.com",
		},
	})
	require.NoError(t, err)

	assert.Contains(t, out, "name: wmnd-2026-0001")
	assert.Contains(t, out, "memory: 2G")
	assert.Contains(t, out, "instances: 2")
	assert.Contains(t, out, "path: target/*.jar")
	assert.Contains(t, out, "java_buildpack_offline")
	assert.Contains(t, out, "version: 21.+")
	assert.Contains(t, out, "route: wmnd-2026-0001.apps.example.com")
	assert.Contains(t, out, "- orders-db")
	assert.Contains(t, out, "- cache")
}

func TestGenerateManifest_NoServicesOmitsBlock(t *testing.T) {
	out, err := GenerateManifest(ManifestSpec{
		MissionID: "wmnd-2026-0002",
		Config:    config.DeployerConfig{},
	})
	require.NoError(t, err)
	assert.NotContains(t, out, "services:")
	assert.NotContains(t, out, "routes:", "no route block without an apps domain")
	assert.Contains(t, out, "memory: 1G", "defaults applied when config is empty")
	assert.Contains(t, out, "instances: 1")
	assert.NotContains(t, out, "JBP_CONFIG", "non-JVM apps get no JRE pin")
}

func TestGenerateManifest_RequiresMissionID(t *testing.T) {
	_, err := GenerateManifest(ManifestSpec{})
	require.Error(t, err)
}

func TestServicesFromAnswer(t *testing.T) {
	assert.Nil(t, ServicesFromAnswer("No services needed"))
	assert.Nil(t, ServicesFromAnswer("  no services needed  "))
	assert.Nil(t, ServicesFromAnswer(""))

	got := ServicesFromAnswer("Bind the service 'orders-db' and service 'cache'. The service 'orders-db' holds orders.")
	assert.Equal(t, []string{"orders-db", "cache"}, got, "duplicates are dropped, order preserved")
}
