// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"encoding/json"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	mqtt "github.com/mochi-mqtt/engine"
)

const (
	Deny      Access = iota // user cannot access the topic
	ReadOnly                // user can only subscribe to the topic
	WriteOnly               // user can only publish to the topic
	ReadWrite               // user can both publish and subscribe to the topic
)

// Access determines the read/write privileges for an ACL rule.
type Access byte

// Allows returns true if the access level permits a write (publish) or a
// read (subscribe).
func (a Access) Allows(write bool) bool {
	if write {
		return a == WriteOnly || a == ReadWrite
	}

	return a == ReadOnly || a == ReadWrite
}

// Users contains a map of access rules for specific users, keyed on username.
type Users map[string]UserRule

// UserRule defines a set of access rules for a specific user.
type UserRule struct {
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	ACL      Filters `json:"acl,omitempty" yaml:"acl,omitempty"`           // filters to match, if desired
	Disallow bool    `json:"disallow,omitempty" yaml:"disallow,omitempty"` // allow or disallow the user
}

// AuthRules defines generic access rules applicable to all users.
type AuthRules []AuthRule

// AuthRule matches a connect by client id, username and password.
type AuthRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	Allow    bool    `json:"allow,omitempty" yaml:"allow,omitempty"`       // allow or disallow the users
}

// ACLRules defines generic topic or filter access rules applicable to all users.
type ACLRules []ACLRule

// ACLRule defines access rules for a specific topic or filter.
type ACLRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Filters  Filters `json:"filters,omitempty" yaml:"filters,omitempty"`   // filters to match
}

// Filters is a map of Access rules keyed on filter.
type Filters map[RString]Access

// RString is a rule value string. An empty value or * matches anything, and
// a trailing * matches any value with the same prefix.
type RString string

// Matches returns true if the rule matches a given string.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if r == "" || r == "*" || a == rr {
		return true
	}

	if i := strings.Index(rr, "*"); i > 0 {
		return strings.HasPrefix(a, rr[:i])
	}

	return false
}

// FilterMatches returns true if the rule, as a topic filter, matches a topic.
// ACL checks on subscribe pass the requested filter, which matches a rule
// with the same text.
func (r RString) FilterMatches(topic string) bool {
	return string(r) == topic || mqtt.MatchTopic(string(r), topic)
}

// Ledger is an auth ledger containing access rules for users and topics.
type Ledger struct {
	sync.RWMutex `json:"-" yaml:"-"`
	Users        Users     `json:"users" yaml:"users"`
	Auth         AuthRules `json:"auth" yaml:"auth"`
	ACL          ACLRules  `json:"acl" yaml:"acl"`
}

// Update replaces the rules of the ledger.
func (l *Ledger) Update(ln *Ledger) {
	l.Lock()
	defer l.Unlock()
	l.Users = ln.Users
	l.Auth = ln.Auth
	l.ACL = ln.ACL
}

// AuthOk returns true if the rules indicate the user is allowed to
// authenticate, and the index of the auth rule which decided it.
func (l *Ledger) AuthOk(clientID, username string, password []byte) (n int, ok bool) {
	l.RLock()
	defer l.RUnlock()

	// a user in the users map with a password is decided by that entry alone
	if u, found := l.Users[username]; found && u.Password != "" && u.Password == RString(password) {
		return 0, !u.Disallow
	}

	for n, rule := range l.Auth {
		if rule.Client.Matches(clientID) &&
			rule.Username.Matches(username) &&
			rule.Password.Matches(string(password)) {
			return n, rule.Allow
		}
	}

	return 0, false
}

// ACLOk returns true if the rules indicate the user is allowed to read or
// write to a specific filter or topic respectively, and the index of the acl
// rule which decided it. Topics no rule mentions are allowed.
func (l *Ledger) ACLOk(clientID, username, topic string, write bool) (n int, ok bool) {
	l.RLock()
	defer l.RUnlock()

	if u, found := l.Users[username]; found {
		for filter, access := range u.ACL {
			if filter.FilterMatches(topic) {
				return 0, access.Allows(write)
			}
		}
	}

	for n, rule := range l.ACL {
		if !rule.Client.Matches(clientID) || !rule.Username.Matches(username) {
			continue
		}

		if len(rule.Filters) == 0 {
			return n, true
		}

		matched := false
		for filter, access := range rule.Filters {
			if !filter.FilterMatches(topic) {
				continue
			}

			if access.Allows(write) {
				return n, true
			}
			matched = true
		}

		if matched {
			return n, false
		}
	}

	return 0, true
}

// ToJSON encodes the values into a JSON string.
func (l *Ledger) ToJSON() (data []byte, err error) {
	l.RLock()
	defer l.RUnlock()
	return json.Marshal(l)
}

// ToYAML encodes the values into a YAML string.
func (l *Ledger) ToYAML() (data []byte, err error) {
	l.RLock()
	defer l.RUnlock()
	return yaml.Marshal(l)
}

// Unmarshal decodes a JSON or YAML string (such as a rule config from a file) into a struct.
func (l *Ledger) Unmarshal(data []byte) error {
	l.Lock()
	defer l.Unlock()
	if len(data) == 0 {
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, l)
	}

	return yaml.Unmarshal(data, l)
}
