package workflow

import (
	"github.com/jmehdipour/outboxflow/internal/model"
	"go.uber.org/zap"
)

const systemActorID = "system"

// resolveActor builds the identity spec's steps run under for ev.
func (r *Runner) resolveActor(spec model.Spec, ev model.Event) (model.Actor, error) {
	inherited := model.Anonymous()
	if ev.Actor != nil {
		inherited = ev.Actor.Clone()
	}

	switch spec.ActorMode {
	case model.ActorSystem:
		r.Log.Info("system elevation",
			zap.String("spec", spec.Name),
			zap.String("event_id", ev.ID),
			zap.String("inherited_actor", inherited.ID),
		)
		return model.Actor{
			ID:            systemActorID,
			Roles:         []string{systemActorID},
			Claims:        map[string]any{model.ClaimSystem: true},
			Authenticated: true,
		}, nil

	case model.ActorImpersonate:
		imp := spec.Impersonate
		if imp == nil || imp.From == "" {
			return model.Actor{}, configError(spec.Name, -1, "", "impersonate without a from path")
		}
		subjectID, ok := model.Lookup(ev.View(), imp.From)
		if !ok || subjectID == nil {
			return model.Actor{}, configError(spec.Name, -1, "", "impersonation path %s resolved to null", imp.From)
		}
		subjectModel := imp.Model
		if subjectModel == "" {
			subjectModel = ev.Model
		}

		a := inherited
		if a.Claims == nil {
			a.Claims = map[string]any{}
		}
		a.Claims[model.ClaimImpersonating] = true
		if imp.Role != "" && !a.HasRole(imp.Role) {
			a.Roles = append(a.Roles, imp.Role)
		}
		a.Subjects = append(a.Subjects, model.Subject{Role: imp.Role, Model: subjectModel, ID: subjectID})

		r.Log.Info("impersonation",
			zap.String("spec", spec.Name),
			zap.String("event_id", ev.ID),
			zap.String("role", imp.Role),
			zap.String("subject_model", subjectModel),
			zap.Any("subject_id", subjectID),
		)
		return a, nil

	default:
		return inherited, nil
	}
}
