package matcher

import (
	"fmt"
	"path"
	"regexp"

	"github.com/samber/lo"

	"github.com/fleetwork/drover/pkg/logger"
)

// Target types understood by the publish channel.
const (
	TargetGlob = "glob"
	TargetPCRE = "pcre"
	TargetList = "list"
)

// Service resolves publish targets to concrete minion identities and reports
// which minions currently hold a live connection.
type Service interface {
	CheckMinions(target any, targetType string) ([]string, error)
	ConnectedIDs() ([]string, error)
}

// RosterFunc supplies the full set of known (accepted) minion identities.
type RosterFunc func() ([]string, error)

// ConnectedRegistry tracks live minion connections; the publish channel
// feeds it from presence callbacks, the auth flow reads it for the
// max_minions gate.
type ConnectedRegistry interface {
	MarkConnected(minionID string) error
	MarkDisconnected(minionID string) error
	ConnectedIDs() ([]string, error)
}

type service struct {
	roster    RosterFunc
	connected ConnectedRegistry
}

// NewService builds the matcher over a roster source and a connection
// registry.
func NewService(roster RosterFunc, connected ConnectedRegistry) Service {
	return &service{roster: roster, connected: connected}
}

// CheckMinions resolves target against the roster. String targets match by
// glob or regular expression; list targets already name their minions and
// pass through as given.
func (s *service) CheckMinions(target any, targetType string) ([]string, error) {
	roster, err := s.roster()
	if err != nil {
		return nil, fmt.Errorf("failed to load minion roster: %w", err)
	}

	switch targetType {
	case TargetGlob:
		pattern, ok := target.(string)
		if !ok {
			return nil, fmt.Errorf("glob target must be a string")
		}
		return lo.Filter(roster, func(id string, _ int) bool {
			ok, err := path.Match(pattern, id)
			return err == nil && ok
		}), nil

	case TargetPCRE:
		pattern, ok := target.(string)
		if !ok {
			return nil, fmt.Errorf("pcre target must be a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pcre target: %w", err)
		}
		return lo.Filter(roster, func(id string, _ int) bool {
			return re.MatchString(id)
		}), nil

	case TargetList:
		return targetList(target)
	}

	return nil, fmt.Errorf("unsupported target type %q", targetType)
}

func (s *service) ConnectedIDs() ([]string, error) {
	return s.connected.ConnectedIDs()
}

func targetList(target any) ([]string, error) {
	switch v := target.(type) {
	case []string:
		return v, nil
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			id, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list target contains a non-string entry")
			}
			ids = append(ids, id)
		}
		return ids, nil
	case string:
		return []string{v}, nil
	}
	logger.Warn("Unrecognized list target", "target", target)
	return nil, fmt.Errorf("list target must be a string list")
}
