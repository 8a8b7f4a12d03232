/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package tenant resolves which bank a navigation or API call is scoped to.
//
// A bank is identified by a URL slug. The slug comes from, in order:
//   - the first segment of a recognised tenant path template
//   - the bankSlug carried on a CUSTOMER session
//   - the value last persisted to the profile's storage
//
// Tenant context only scopes endpoints. It never grants access.
package tenant

import (
	"regexp"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/microfin/internal/auth"
	"github.com/marcus-qen/microfin/internal/storage"
)

// StorageKey is the key holding the current bank slug.
const StorageKey = "current_bank_slug"

// slugPattern excludes file-like segments such as "favicon.ico".
var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidSlug reports whether s can name a bank.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// Templates are the dynamic tenant routes. The first segment is the slug.
var Templates = []string{
	"/:slug",
	"/:slug/login",
	"/:slug/register",
	"/:slug/admin/login",
	"/:slug/dashboard",
	"/:slug/apply",
	"/:slug/my-loans",
	"/:slug/my-loans/:id",
	"/:slug/documents",
	"/:slug/profile",
	"/:slug/notifications",
}

var (
	reservedOnce sync.Once
	reserved     map[string]bool
)

func isReserved(seg string) bool {
	reservedOnce.Do(func() { reserved = auth.StaticFirstSegments() })
	return reserved[seg]
}

// ResolveFromURL returns the bank slug carried by path, or "" when path is
// not a tenant route.
func ResolveFromURL(path string) string {
	slug, _, ok := Split(path)
	if !ok {
		return ""
	}
	return slug
}

// ResolveFromSegments is ResolveFromURL over pre-split path segments.
func ResolveFromSegments(segments []string) string {
	return ResolveFromURL("/" + strings.Join(segments, "/"))
}

// Split breaks a tenant path into its slug and the path inside the tenant
// namespace, so "/acme/my-loans/3" yields ("acme", "/my-loans/3", true).
func Split(path string) (slug, inner string, ok bool) {
	if path == "" || path == "/" {
		return "", "", false
	}
	for _, tpl := range Templates {
		if !auth.RouteMatches(tpl, path) {
			continue
		}
		rest := strings.TrimPrefix(path, "/")
		slug, inner, _ = strings.Cut(rest, "/")
		if isReserved(slug) || !ValidSlug(slug) {
			return "", "", false
		}
		return slug, "/" + inner, true
	}
	return "", "", false
}

// ScopedPath prefixes path with the tenant namespace for slug.
func ScopedPath(slug, path string) string {
	if slug == "" {
		return path
	}
	if path == "" || path == "/" {
		return "/" + slug
	}
	return "/" + slug + path
}

// Context is the persisted tenant context for one tab.
type Context struct {
	backend storage.Backend
	log     logr.Logger
}

// NewContext creates a tenant context over backend.
func NewContext(backend storage.Backend, log logr.Logger) *Context {
	return &Context{backend: backend, log: log.WithName("tenant")}
}

// Persist records slug as the current tenant. Empty and malformed slugs
// are ignored.
func (c *Context) Persist(slug string) {
	if slug == "" {
		return
	}
	if !ValidSlug(slug) {
		c.log.V(1).Info("ignoring malformed tenant slug", "slug", slug)
		return
	}
	if err := c.backend.Set(StorageKey, slug); err != nil {
		c.log.Error(err, "persist tenant slug", "slug", slug)
	}
}

// Read returns the last persisted slug or "".
func (c *Context) Read() string {
	v, ok, err := c.backend.Get(StorageKey)
	if err != nil {
		c.log.Error(err, "read tenant slug")
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

// Clear forgets the persisted slug.
func (c *Context) Clear() {
	if err := c.backend.Delete(StorageKey); err != nil {
		c.log.Error(err, "clear tenant slug")
	}
}

// Resolve returns the slug in effect for path and user. A slug in the URL
// always wins over the persisted one.
func (c *Context) Resolve(path string, user *auth.User) string {
	if slug := ResolveFromURL(path); slug != "" {
		if prev := c.Read(); prev != slug {
			c.log.V(1).Info("tenant switched by url", "from", prev, "to", slug)
			c.Persist(slug)
		}
		return slug
	}
	if user != nil && user.Role == auth.RoleCustomer && user.BankSlug != "" {
		c.Persist(user.BankSlug)
		return user.BankSlug
	}
	return c.Read()
}

// SubscriptionRequired reports whether user is a bank admin whose bank has
// not paid. It is recomputed from every profile and never stored.
func SubscriptionRequired(user *auth.User) bool {
	if user == nil || user.Role != auth.RoleAdmin {
		return false
	}
	return user.SubscriptionStatus != auth.SubscriptionActive
}
