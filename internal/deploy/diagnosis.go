// Package deploy owns Cloud Foundry deployment support: manifest generation
// for DEPLOYER tasks and diagnosis of their cf CLI output.
package deploy

import (
	"fmt"
	"regexp"
	"strings"
)

// FailureCategory classifies why a deployment did not reach a running app.
type FailureCategory string

// Deployment failure categories
const (
	CategoryBuildFailure          FailureCategory = "BUILD_FAILURE"
	CategoryStagingFailure        FailureCategory = "STAGING_FAILURE"
	CategoryAppCrashed            FailureCategory = "APP_CRASHED"
	CategoryHealthCheckTimeout    FailureCategory = "HEALTH_CHECK_TIMEOUT"
	CategoryServiceBindingFailure FailureCategory = "SERVICE_BINDING_FAILURE"
	CategoryUnknown               FailureCategory = "UNKNOWN"
)

// Diagnosis is the verdict on one DEPLOYER attempt's output.
type Diagnosis struct {
	Succeeded bool
	Category  FailureCategory
	Detail    string
	Hint      string
	// Route is the deployed application URL when one was found.
	Route string
	// MissingService names the service a binding failure refers to.
	MissingService string
}

var successMarkers = []string{
	"status: running",
	"instances: 1/1",
	"app started",
}

var (
	routeRe = regexp.MustCompile(`(?mi)^\s*(?:routes?|urls?):\s*(\S+)`)
	// hostRe finds a route-shaped token anywhere in the output when no
	// routes: line is present.
	hostRe = regexp.MustCompile(`\b[a-z0-9][a-z0-9-]*\.(?:apps\.)?[a-z0-9-]+\.[a-z]{2,}\b`)
)

var serviceRe = regexp.MustCompile(`(?i)service[s]?\s+['"]?([a-z0-9-]+)['"]?`)

type failureRule struct {
	category FailureCategory
	markers  []string
	// pairs match when both fragments appear anywhere in the output,
	// catching phrasings like "Binding service ... FAILED" that never form
	// one fixed marker string.
	pairs [][2]string
	hint  string
}

func (r failureRule) matches(low string) (string, bool) {
	for _, marker := range r.markers {
		if strings.Contains(low, marker) {
			return marker, true
		}
	}
	for _, pair := range r.pairs {
		if strings.Contains(low, pair[0]) && strings.Contains(low, pair[1]) {
			return pair[0], true
		}
	}
	return "", false
}

// failureRules are checked in order; the first matching rule wins. The order
// follows the push lifecycle: the artifact builds, stages, starts, answers
// its health check, binds its services.
var failureRules = []failureRule{
	{
		category: CategoryBuildFailure,
		markers: []string{
			"build failure",
			"failed to execute goal",
			"compilation failure",
			"compilation error",
			"npm err!",
		},
		hint: "The artifact never built. Fix pom.xml / dependency declarations and the reported compile errors before pushing again.",
	},
	{
		category: CategoryStagingFailure,
		markers: []string{
			"staging error",
			"stagingerror",
			"error staging",
			"failed to stage",
			"unable to detect buildpack",
			"nobuildpackdetected",
		},
		hint: "The platform could not stage the droplet. Check the buildpack selection in the manifest and that build output exists where the buildpack expects it.",
	},
	{
		category: CategoryAppCrashed,
		markers: []string{
			"crashed",
			"exited with status",
		},
		hint: "The app started and died. Read the application logs (cf logs --recent) for the startup stack trace.",
	},
	{
		category: CategoryHealthCheckTimeout,
		markers: []string{
			"health check timeout",
			"failed to accept connections within health check timeout",
			"start app timeout",
			"start unsuccessful",
			"instance never healthy",
		},
		hint: "The app never answered its health check. Confirm it listens on $PORT and increase health-check-timeout in the manifest for slow-starting apps.",
	},
	{
		category: CategoryServiceBindingFailure,
		markers: []string{
			"service instance not found",
			"could not find service",
			"could not bind to service",
			"unable to bind",
			"binding failed",
			"service binding failed",
		},
		pairs: [][2]string{
			{"binding service", "failed"},
		},
		hint: "Create the service instance before deploying (cf create-service), or remove it from the manifest's services block.",
	},
}

// healthPairRe catches phrasings that pair a timeout or failure with the
// health check without a fixed marker string.
var healthPairRe = regexp.MustCompile(`(?i)(health check[^\n]*(fail|did not pass))|(timed out[^\n]*health)`)

// Diagnose classifies a DEPLOYER attempt's combined output. Success requires
// an explicit marker; ambiguous output diagnoses as a failure of category
// UNKNOWN rather than an optimistic pass. A "crashed" mention in output that
// also carries a success marker is treated as restart noise, not a crash.
func Diagnose(output string) Diagnosis {
	low := strings.ToLower(output)
	// Only the explicit running markers veto a crash diagnosis; the bare
	// "OK" acknowledgment appears after intermediate push steps too.
	running := false
	for _, marker := range successMarkers {
		if strings.Contains(low, marker) {
			running = true
			break
		}
	}

	for _, rule := range failureRules {
		if rule.category == CategoryAppCrashed && running {
			continue
		}
		marker, ok := rule.matches(low)
		if !ok {
			continue
		}
		d := Diagnosis{
			Category: rule.category,
			Detail:   lineContaining(output, marker),
			Hint:     rule.hint,
		}
		switch rule.category {
		case CategoryServiceBindingFailure:
			d.MissingService = missingService(output)
			d.Hint = fmt.Sprintf("Service %q is not available in this space. Create it first (cf create-service), or remove it from the manifest's services block.", d.MissingService)
		case CategoryAppCrashed:
			if strings.Contains(low, "memory") {
				d.Hint = "The app crashed after exceeding its memory limit. Increase memory in the manifest."
			}
		}
		return d
	}
	if m := healthPairRe.FindString(output); m != "" {
		return Diagnosis{
			Category: CategoryHealthCheckTimeout,
			Detail:   strings.TrimSpace(m),
			Hint:     "The app never answered its health check. Confirm it listens on $PORT and increase health-check-timeout in the manifest for slow-starting apps.",
		}
	}

	if running {
		return Diagnosis{Succeeded: true, Route: extractRoute(output)}
	}
	// A bare "OK" on its own line is the minimal cf success acknowledgment.
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "OK" {
			return Diagnosis{Succeeded: true, Route: extractRoute(output)}
		}
	}

	return Diagnosis{
		Category: CategoryUnknown,
		Detail:   firstNonEmptyLine(output),
		Hint:     "The deploy output matched no known success or failure pattern. Inspect the full cf output and the application logs.",
	}
}

// missingService extracts the service name a binding failure refers to. The
// fallback is a generic placeholder, never an empty or literal null name.
func missingService(output string) string {
	if m := serviceRe.FindStringSubmatch(output); m != nil {
		name := m[1]
		if name != "" && !strings.EqualFold(name, "null") {
			return name
		}
	}
	return "required-service"
}

// extractRoute finds the deployed route in cf app output: the routes: line
// when present, otherwise the first route-shaped token.
func extractRoute(output string) string {
	if m := routeRe.FindStringSubmatch(output); m != nil {
		return strings.TrimRight(m[1], ",")
	}
	if m := hostRe.FindString(strings.ToLower(output)); m != "" {
		return m
	}
	return ""
}

func lineContaining(output, lowMarker string) string {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(strings.ToLower(line), lowMarker) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

func firstNonEmptyLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// RetryDiagnosis renders a diagnosis as retry context for the next DEPLOYER
// attempt.
func RetryDiagnosis(taskID string, d Diagnosis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s deployment failed: %s", taskID, d.Category)
	if d.Detail != "" {
		fmt.Fprintf(&b, "\nEvidence: %s", d.Detail)
	}
	if d.Hint != "" {
		fmt.Fprintf(&b, "\nHint: %s", d.Hint)
	}
	return b.String()
}

// TerminalMessage renders the mission-level error when the DEPLOYER retry
// budget is exhausted.
func TerminalMessage(taskID string, d Diagnosis) string {
	msg := fmt.Sprintf("%s: Deployment failed (%s)", taskID, d.Category)
	if d.Detail != "" {
		msg += ": " + d.Detail
	}
	if d.Hint != "" {
		msg += ". " + d.Hint
	}
	return msg
}
