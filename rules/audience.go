package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/songzhibin97/campaign-engine/types"
)

// AudienceMatcher evaluates campaign target-filter expressions against
// contacts. Expressions use the expr language over the contact's built-in
// fields, tags and custom attributes, e.g.
//
//	categoria == "vip" and "promo" in tags
//
// Compiled programs are cached per expression.
type AudienceMatcher struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewAudienceMatcher creates an AudienceMatcher with an initialized cache.
func NewAudienceMatcher() *AudienceMatcher {
	return &AudienceMatcher{cache: make(map[string]*vm.Program)}
}

// Match evaluates filter against the contact. An empty filter matches
// every contact. The expression must evaluate to a boolean; otherwise an
// error is returned.
func (m *AudienceMatcher) Match(filter string, contact types.Contact) (bool, error) {
	if filter == "" {
		return true, nil
	}

	m.mu.RLock()
	program, ok := m.cache[filter]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if program, ok = m.cache[filter]; !ok {
			var err error
			program, err = expr.Compile(filter, expr.AllowUndefinedVariables())
			if err != nil {
				m.mu.Unlock()
				return false, err
			}
			m.cache[filter] = program
		}
		m.mu.Unlock()
	}

	env := map[string]interface{}{
		"nome":        contact.Nome,
		"telefone":    contact.Telefone,
		"email":       contact.Email,
		"categoria":   contact.Categoria,
		"observacoes": contact.Observacoes,
		"tags":        contact.Tags,
	}
	for k, v := range contact.Attributes {
		env[k] = v
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("target filter %q did not evaluate to a boolean, got %T", filter, result)
	}
	return boolResult, nil
}
