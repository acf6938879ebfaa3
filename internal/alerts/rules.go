// internal/alerts/rules.go
package alerts

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sua-org/cam-sentinel/internal/core"
)

// ValidateRule checa a regra antes de ativar. Erros embrulham ErrConfigInvalid.
func ValidateRule(r core.AlertRule) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: alert rule without id", core.ErrConfigInvalid)
	}
	if strings.TrimSpace(r.Class) == "" {
		return fmt.Errorf("%w: rule %s: class is required", core.ErrConfigInvalid, r.ID)
	}
	if r.MinScore < 0 || r.MinScore > 1 {
		return fmt.Errorf("%w: rule %s: min_score must be in [0,1]", core.ErrConfigInvalid, r.ID)
	}
	if r.MinCount < 0 {
		return fmt.Errorf("%w: rule %s: min_count must be >= 0", core.ErrConfigInvalid, r.ID)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("%w: rule %s: cooldown must be >= 0", core.ErrConfigInvalid, r.ID)
	}
	return nil
}

// applies: escopo vazio vale para todas as câmeras/modelos.
func applies(r core.AlertRule, cameraID, modelID string) bool {
	if len(r.Cameras) > 0 && !slices.Contains(r.Cameras, cameraID) {
		return false
	}
	if len(r.Models) > 0 && !slices.Contains(r.Models, modelID) {
		return false
	}
	return true
}

// match devolve as detecções da classe com score >= MinScore, se forem ao
// menos MinCount (mínimo 1).
func match(r core.AlertRule, dets []core.Detection) ([]core.Detection, bool) {
	need := r.MinCount
	if need <= 0 {
		need = 1
	}
	var hits []core.Detection
	for _, d := range dets {
		if d.Class == r.Class && d.Score >= r.MinScore {
			hits = append(hits, d)
		}
	}
	return hits, len(hits) >= need
}

func duplicateRuleErr(id string) error {
	return fmt.Errorf("%w: duplicated alert rule id %q", core.ErrConfigInvalid, id)
}
