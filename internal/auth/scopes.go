// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package auth

import (
	"os"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// ScopeResolver maps a verified identity to the patterns it may watch.
type ScopeResolver interface {
	Scope(Identity) (set.Strings, error)
}

// Scopes is a fixed identity to patterns table, loaded from YAML of the
// form:
//
//	identities:
//	  alice: ["metrics:*"]
//	  bob: ["user:*", "order:*"]
type Scopes struct {
	identities map[string]set.Strings
}

type scopesDoc struct {
	Identities map[string][]string `yaml:"identities"`
}

// ReadScopesFile loads Scopes from the YAML file at path.
func ReadScopesFile(path string) (*Scopes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading scopes file")
	}
	scopes, err := ParseScopes(data)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing %q", path)
	}
	return scopes, nil
}

// ParseScopes parses Scopes from YAML.
func ParseScopes(data []byte) (*Scopes, error) {
	var doc scopesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Trace(err)
	}
	identities := make(map[string]set.Strings, len(doc.Identities))
	for subject, patterns := range doc.Identities {
		if subject == "" {
			return nil, errors.NotValidf("empty identity")
		}
		identities[subject] = set.NewStrings(patterns...)
	}
	return &Scopes{identities: identities}, nil
}

// Scope is part of the ScopeResolver interface. An identity missing from
// the table is a NotFound error.
func (s *Scopes) Scope(id Identity) (set.Strings, error) {
	patterns, ok := s.identities[id.Subject]
	if !ok {
		return nil, errors.NotFoundf("scope for %q", id.Subject)
	}
	return set.NewStrings(patterns.Values()...), nil
}

// Len returns the number of known identities.
func (s *Scopes) Len() int {
	return len(s.identities)
}
