package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/songforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	RoleOperator = "role:operator"
	RoleSystem   = "role:system"
)

const (
	ObjectQueue      = "queue"
	ObjectGeneration = "generation"
)

const (
	ActionQueueRead      = "queue.read"
	ActionQueueRetry     = "queue.retry"
	ActionGenerationRead = "generation.read"
)

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads policies from casbin_rule, seeds the role grants and
// assigns the operator role to every configured operator user.
func NewEnforcer(db *gorm.DB, cfg config.Config) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := seedOperators(enforcer, cfg.OperatorUserIDs); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, err := resolveActor(actor)
	if err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
			zap.Bool("security", true),
		)
		return ErrForbidden
	}
	return nil
}

func resolveActor(actor string) (string, error) {
	if actor == "system" {
		return actor, nil
	}
	if strings.HasPrefix(actor, "user:") {
		userID, err := snowflake.ParseString(strings.TrimPrefix(actor, "user:"))
		if err != nil || userID == 0 {
			return "", ErrInvalidActor
		}
		return fmt.Sprintf("user:%s", userID.String()), nil
	}
	return "", ErrInvalidActor
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{RoleOperator, ObjectQueue, ActionQueueRead},
		{RoleOperator, ObjectQueue, ActionQueueRetry},
		{RoleOperator, ObjectGeneration, ActionGenerationRead},

		{RoleSystem, ObjectQueue, ActionQueueRead},
		{RoleSystem, ObjectQueue, ActionQueueRetry},
		{RoleSystem, ObjectGeneration, ActionGenerationRead},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	if _, err := enforcer.AddGroupingPolicy("system", RoleSystem); err != nil {
		return err
	}
	return nil
}

func seedOperators(enforcer *casbin.SyncedEnforcer, userIDs []string) error {
	for _, raw := range userIDs {
		subject, err := resolveActor(UserActor(strings.TrimSpace(raw)))
		if err != nil {
			return fmt.Errorf("operator user id %q: %w", raw, err)
		}
		has, err := enforcer.HasGroupingPolicy(subject, RoleOperator)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddGroupingPolicy(subject, RoleOperator); err != nil {
			return err
		}
	}
	return nil
}
