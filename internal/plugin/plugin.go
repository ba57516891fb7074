// Package plugin exposes the rule through the notification host's plugin
// contract: an information block with the default configuration category,
// and a handle offering triggers, evaluation, reason and reconfiguration as
// JSON documents.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"

	"averagerule/internal/config"
	"averagerule/internal/models"
	"averagerule/internal/rule"
)

// Plugin identity.
const (
	Name             = rule.DefaultName
	Version          = "1.0.0"
	Type             = "notificationRule"
	InterfaceVersion = "1.0.0"
)

// ErrNotInitialised is returned by operations on a nil or shut-down handle.
var ErrNotInitialised = errors.New("plugin handle is not initialised")

// Information describes the plugin to the host.
type Information struct {
	Name      string          `json:"name"`
	Version   string          `json:"version"`
	Flags     int             `json:"flags"`
	Type      string          `json:"type"`
	Interface string          `json:"interface"`
	Config    json.RawMessage `json:"config"`
}

// Info returns the plugin information block.
func Info() Information {
	return Information{
		Name:      Name,
		Version:   Version,
		Type:      Type,
		Interface: InterfaceVersion,
		Config:    DefaultConfig(),
	}
}

// Handle is one initialised rule instance.
type Handle struct {
	rule *rule.Rule
}

// Init builds a rule from a configuration category document.
func Init(category []byte, opts ...rule.Option) (*Handle, error) {
	cfg, err := config.ParseCategory(category)
	if err != nil {
		return nil, fmt.Errorf("init %s rule: %w", Name, err)
	}
	return New(cfg, opts...)
}

// New builds a handle around a rule configured with cfg.
func New(cfg rule.Config, opts ...rule.Option) (*Handle, error) {
	r := rule.New(opts...)
	if err := r.Configure(cfg); err != nil {
		return nil, fmt.Errorf("init %s rule: %w", Name, err)
	}
	return Wrap(r), nil
}

// Wrap exposes an existing rule through the plugin contract.
func Wrap(r *rule.Rule) *Handle {
	return &Handle{rule: r}
}

// Rule returns the wrapped rule.
func (h *Handle) Rule() *rule.Rule {
	if h == nil {
		return nil
	}
	return h.rule
}

type triggerAsset struct {
	Asset string `json:"asset"`
}

type triggersDocument struct {
	Triggers []triggerAsset `json:"triggers"`
}

// Triggers renders the subscribed assets as
//
//	{"triggers":[{"asset":"sinusoid"}]}
//
// A nil handle yields an empty trigger list.
func (h *Handle) Triggers() []byte {
	doc := triggersDocument{Triggers: []triggerAsset{}}
	if h != nil && h.rule != nil {
		for _, asset := range h.rule.Triggers() {
			doc.Triggers = append(doc.Triggers, triggerAsset{Asset: asset})
		}
	}
	data, _ := json.Marshal(doc)
	return data
}

// Eval evaluates a readings document and reports whether the rule triggered.
func (h *Handle) Eval(doc []byte) bool {
	if h == nil || h.rule == nil {
		return false
	}
	return h.rule.EvaluateDocument(doc)
}

// ReasonDocument is the reason reported for the current alert state.
type ReasonDocument struct {
	Reason    string   `json:"reason"`
	Assets    []string `json:"asset"`
	Timestamp string   `json:"timestamp"`
}

// ReasonOf builds the reason document for info.
func ReasonOf(info rule.TriggerInfo) ReasonDocument {
	assets := info.Assets
	if assets == nil {
		assets = []string{}
	}
	return ReasonDocument{
		Reason:    info.State.String(),
		Assets:    assets,
		Timestamp: models.FormatTimestamp(info.Timestamp),
	}
}

// ReasonOfResult builds the reason document for one evaluated batch.
func ReasonOfResult(res models.Result) ReasonDocument {
	state := rule.StateCleared
	if res.Triggered {
		state = rule.StateTriggered
	}
	return ReasonOf(rule.TriggerInfo{State: state, Assets: res.Assets, Timestamp: res.Timestamp})
}

// Reason renders the current alert state, e.g.
//
//	{"reason":"triggered","asset":["sinusoid"],"timestamp":"2019-06-10 13:01:02.000000+00:00"}
func (h *Handle) Reason() []byte {
	var info rule.TriggerInfo
	if h != nil && h.rule != nil {
		info = h.rule.TriggerInfo()
	}
	data, _ := json.Marshal(ReasonOf(info))
	return data
}

// Reconfigure applies a new configuration category. On error the previous
// configuration stays in force.
func (h *Handle) Reconfigure(category []byte) error {
	if h == nil || h.rule == nil {
		return ErrNotInitialised
	}
	cfg, err := config.ParseCategory(category)
	if err != nil {
		return fmt.Errorf("reconfigure %s rule: %w", Name, err)
	}
	if err := h.rule.Configure(cfg); err != nil {
		return fmt.Errorf("reconfigure %s rule: %w", Name, err)
	}
	return nil
}

// Shutdown releases the rule. The handle is unusable afterwards; Shutdown
// must not race with the other methods.
func (h *Handle) Shutdown() {
	if h == nil {
		return
	}
	h.rule = nil
}
