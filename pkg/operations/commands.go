package operations

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/terradev/terradev/pkg/engine"
)

// Exit code terraform plan -detailed-exitcode uses for "succeeded with changes".
const exitChangesPresent = 2

// PlanFile returns the saved plan file name for a plan operation.
func PlanFile(operationID string) string {
	return "plan-" + operationID + ".tfplan"
}

func readOnlyArgs() []string {
	return []string{"show", "-no-color"}
}

func dryRunArgs() []string {
	return []string{"plan", "-detailed-exitcode"}
}

func planArgs(operationID string) []string {
	return []string{"plan", "-out", PlanFile(operationID)}
}

func applyArgs(planFile string, autoApprove bool) []string {
	args := []string{"apply"}
	if planFile != "" {
		args = append(args, planFile)
	}
	if autoApprove {
		args = append(args, "-auto-approve")
	}
	return args
}

func destroyArgs(target string, autoApprove bool) []string {
	args := []string{"destroy"}
	if target != "" {
		args = append(args, "-target", target)
	}
	if autoApprove {
		args = append(args, "-auto-approve")
	}
	return args
}

func rollbackArgs() []string {
	return []string{"apply", "-auto-approve"}
}

// ParsePlan turns plan output into a Plan. Lines carrying "+" and "create"
// become additions, "~" and "update" changes, "-" and "destroy" removals.
func ParsePlan(id string, output string, now time.Time) *engine.Plan {
	plan := &engine.Plan{
		ID:                  id,
		CreatedAt:           now,
		ResourcesToAdd:      []engine.PlanResource{},
		ResourcesToChange:   []engine.PlanResource{},
		ResourcesToDestroy:  []engine.PlanResource{},
		PermissionsRequired: []engine.PermissionScope{engine.PermissionPlanOnly},
		RollbackAvailable:   true,
	}

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.Contains(line, "create") && strings.Contains(line, "+"):
			plan.ResourcesToAdd = append(plan.ResourcesToAdd, planLine("create", line))
		case strings.Contains(line, "update") && strings.Contains(line, "~"):
			plan.ResourcesToChange = append(plan.ResourcesToChange, planLine("update", line))
		case strings.Contains(line, "destroy") && strings.Contains(line, "-"):
			plan.ResourcesToDestroy = append(plan.ResourcesToDestroy, planLine("destroy", line))
		}
	}

	return plan
}

func planLine(action, line string) engine.PlanResource {
	return engine.PlanResource{Type: "resource", Action: action, Line: line}
}

// CountResources counts the output lines that mention a resource change.
func CountResources(output string) int {
	count := 0
	for _, line := range strings.Split(output, "\n") {
		for _, action := range []string{"create", "update", "delete", "destroy"} {
			if strings.Contains(line, action) {
				count++
				break
			}
		}
	}
	return count
}

func planSize(p *engine.Plan) int {
	if p == nil {
		return 0
	}
	return len(p.ResourcesToAdd) + len(p.ResourcesToChange) + len(p.ResourcesToDestroy)
}

// stateMeta reads the serial and lineage out of a terraform state document.
// Unparseable state still snapshots; it just carries no metadata.
func stateMeta(data []byte) (int64, string) {
	var meta struct {
		Serial  int64  `json:"serial"`
		Lineage string `json:"lineage"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return 0, ""
	}
	return meta.Serial, meta.Lineage
}
