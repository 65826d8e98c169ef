// Package dispatch implements the method dispatcher of spec.md §4.1 (C8):
// an ordered, transport-agnostic pipeline that turns (methodId, params,
// auth) into a JSON result, shared uniformly by the HTTP, WebSocket and
// batch adapters of C11/C9.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/audit"
	"github.com/pryvgo/core/internal/auth"
	"github.com/pryvgo/core/internal/cache"
	"github.com/pryvgo/core/internal/crypto"
	"github.com/pryvgo/core/internal/mail"
	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/pubsub"
	"github.com/pryvgo/core/internal/schema"
	"github.com/pryvgo/core/internal/store"
	"github.com/pryvgo/core/internal/streamtree"
)

// ProtectedFieldMode selects how the protected-field guard of spec.md
// §4.1 step 3 handles an update field outside the alterableProperties
// whitelist.
type ProtectedFieldMode string

const (
	ModeStrict  ProtectedFieldMode = "strict"
	ModeLenient ProtectedFieldMode = "lenient"
)

// Deps bundles every collaborator a method Step may need. One Deps is built
// at server startup and shared by every call.
type Deps struct {
	Store              store.Storer
	Cache              *cache.Cache
	Auth               *auth.Resolver
	Bus                pubsub.Bus
	ArrayLimit         int
	ProtectedFieldMode ProtectedFieldMode
	ServerSecret       []byte
	Mailer             mail.Mailer
	Registration       RegistrationNotifier
	Audit              audit.Logger
	CustomAuthStep     func(ctx context.Context, accessCtx CustomAuthContext) (bool, error)
}

// RegistrationNotifier is the narrow boundary stepSystemCreateUser uses to
// notify the optional subdomain-registration sibling service
// (internal/registration.Client), kept this way so the dispatcher never
// imports an HTTP client package directly.
type RegistrationNotifier interface {
	RegisterUser(ctx context.Context, username string) error
}

// CustomAuthContext is passed to the optional pluggable auth step of
// spec.md §4.2.
type CustomAuthContext struct {
	AccessID string
	Token    string
	CallerID string
	Method   string
	Params   map[string]any
}

func (m ProtectedFieldMode) orDefault() ProtectedFieldMode {
	if m == "" {
		return ModeStrict
	}
	return m
}

// Context carries one call's state through its Step chain.
type Context struct {
	Ctx      context.Context
	Deps     *Deps
	MethodID string
	Username string
	UserID   string
	Token    string
	CallerID string
	Access   *model.Access
	Params   map[string]any
	Result   map[string]any

	// Tree is the user's stream index, lazily populated by whichever resource
	// step first needs it, so every later step reuses it instead of
	// re-querying.
	Tree *streamtree.Tree
}

// StreamTree lazily builds and caches the user's stream tree for this call.
func (c *Context) StreamTree(st store.StreamStorer) (*streamtree.Tree, error) {
	if c.Tree != nil {
		return c.Tree, nil
	}
	tree, err := streamtree.New(st, nil).Get(c.Ctx, c.UserID, store.StateAll)
	if err != nil {
		return nil, err
	}
	c.Tree = tree
	return tree, nil
}

// Step is one stage of a method's pipeline. Returning a non-nil error
// short-circuits the chain.
type Step func(c *Context) error

// Method is the registered pipeline for one methodId.
type Method struct {
	ID       string
	Resource string
	Action   schema.Action
	// Mutating marks methods that emit a notification on success (spec.md
	// §4.1 step 5) and are audited. The protected-field guard runs for every
	// method whose Action is schema.Update, whether Mutating is set or not.
	Mutating     bool
	NotifyTopic  pubsub.Topic
	PersonalOnly bool
	// NoAuth marks a method that resolves only the target userID (from the
	// username in the request path) and never an access token — the
	// unauthenticated account-recovery flows of spec.md §4.8
	// (requestPasswordReset, resetPassword) and auth.login.
	NoAuth bool
	Steps  []Step
}

// Envelope is the common response shape of spec.md §6: a tagged result
// object plus metadata on success, or an error plus metadata on failure.
type Envelope struct {
	Result map[string]any `json:"-"`
	Error  *apperror.Error
	Meta   Meta
}

// Meta is the metadata block attached to every envelope.
type Meta struct {
	APIVersion string  `json:"apiVersion"`
	ServerTime float64 `json:"serverTime"`
	Serial     string  `json:"serial"`
}

// APIVersion is the semver reported in every envelope's meta.
var APIVersion = "1.9.0"

// Serial is the opaque build id reported in meta.serial; set at startup.
var Serial = "dev"

func nowMeta() Meta {
	return Meta{APIVersion: APIVersion, ServerTime: float64(time.Now().UnixNano()) / 1e9, Serial: Serial}
}

// Registry holds every registered Method, keyed by id.
type Registry struct {
	methods map[string]*Method
	deps    *Deps
}

// NewRegistry builds an empty Registry bound to deps.
func NewRegistry(deps *Deps) *Registry {
	return &Registry{methods: make(map[string]*Method), deps: deps}
}

// Register adds a Method to the registry.
func (r *Registry) Register(m *Method) {
	r.methods[m.ID] = m
}

// Lookup returns the registered Method, or nil.
func (r *Registry) Lookup(id string) *Method {
	return r.methods[id]
}

// Call runs methodID's pipeline for (username, token, callerId, params),
// implementing the canonical ordering of spec.md §4.1.
func (r *Registry) Call(ctx context.Context, methodID, username, token, callerID string, params map[string]any) Envelope {
	meta := nowMeta()

	m := r.methods[methodID]
	if m == nil {
		return Envelope{Error: apperror.New(apperror.KindInvalidRequestStructure, fmt.Sprintf("unknown method %q", methodID)), Meta: meta}
	}

	c := &Context{
		Ctx: ctx, Deps: r.deps, MethodID: methodID,
		Username: username, Token: token, CallerID: callerID,
		Params: cloneMap(params),
		Result: make(map[string]any),
	}

	var result Envelope
	if m.Mutating && r.deps.Audit != nil {
		defer func() {
			accessID := ""
			if c.Access != nil {
				accessID = c.Access.ID
			}
			errMsg := ""
			if result.Error != nil {
				errMsg = result.Error.Error()
			}
			r.deps.Audit.Record(context.WithoutCancel(ctx), audit.Entry{
				Username: username, AccessID: accessID, Method: methodID,
				Success: result.Error == nil, Error: errMsg,
			})
		}()
	}

	if err := r.authPrecheck(c, m); err != nil {
		result = Envelope{Error: asAppError(err), Meta: meta}
		return result
	}

	if err := r.validateParams(c, m); err != nil {
		result = Envelope{Error: asAppError(err), Meta: meta}
		return result
	}

	if m.Action == schema.Update {
		if err := r.protectedFieldGuard(c, m); err != nil {
			result = Envelope{Error: asAppError(err), Meta: meta}
			return result
		}
	}

	for _, step := range m.Steps {
		if err := step(c); err != nil {
			result = Envelope{Error: asAppError(err), Meta: meta}
			return result
		}
	}

	if m.Mutating && r.deps.Bus != nil && m.NotifyTopic != "" {
		r.deps.Bus.Publish(ctx, pubsub.Message{Subject: c.Username, Topic: m.NotifyTopic})
	}

	if c.Access != nil {
		go r.deps.Auth.Touch(context.WithoutCancel(ctx), c.UserID, c.Access.ID, methodID)
	}

	result = Envelope{Result: c.Result, Meta: meta}
	return result
}

// ResolveAttachmentByReadToken fetches eventID's event for username,
// authorizing via a self-contained attachment read token (format
// "<accessId>.<hmac>") instead of a bearer token, for the unauthenticated
// attachment-download links of spec.md §4.5/§4.8. It returns the event only
// if readToken verifies against the named access's real stored token.
func (r *Registry) ResolveAttachmentByReadToken(ctx context.Context, username, eventID, attachmentID, readToken string) (*model.Event, error) {
	accessID, mac, ok := splitReadToken(readToken)
	if !ok {
		return nil, apperror.New(apperror.KindInvalidAccessToken, "malformed read token")
	}

	c := &Context{Ctx: ctx, Deps: r.deps, Username: username}
	userID, err := resolveUserID(c)
	if err != nil {
		return nil, err
	}

	access, err := r.deps.Store.GetAccessByID(ctx, userID, accessID)
	if err != nil {
		return nil, apperror.FromStorage(err)
	}
	if access == nil || access.Token == "" {
		return nil, apperror.New(apperror.KindInvalidAccessToken, "invalid read token")
	}
	if !crypto.VerifyAttachmentReadToken(mac, attachmentID, accessID, access.Token, r.deps.ServerSecret) {
		return nil, apperror.New(apperror.KindInvalidAccessToken, "invalid read token")
	}

	event, err := r.deps.Store.GetEvent(ctx, userID, eventID)
	if err != nil {
		return nil, apperror.FromStorage(err)
	}
	if event == nil {
		return nil, apperror.New(apperror.KindUnknownResource, "event not found")
	}
	return event, nil
}

func splitReadToken(token string) (accessID, mac string, ok bool) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}

// authPrecheck implements spec.md §4.1 step 1.
func (r *Registry) authPrecheck(c *Context, m *Method) error {
	if m.NoAuth {
		userID, err := resolveUserID(c)
		if err != nil {
			return err
		}
		c.UserID = userID
		return nil
	}

	userID, access, err := resolveUserAndAccess(c)
	if err != nil {
		return err
	}
	c.UserID = userID
	c.Access = access

	if access == nil {
		return nil // system.* run without a resolved access
	}

	if access.Type == model.AccessPersonal && m.PersonalOnly {
		return nil // personal always permitted on personal-only methods
	}
	if auth.PersonalOnlyMethod(m.ID) && access.Type != model.AccessPersonal {
		return apperror.New(apperror.KindInvalidOperation, "method reserved to personal accesses")
	}

	if r.deps.CustomAuthStep != nil {
		ok, err := r.deps.CustomAuthStep(c.Ctx, CustomAuthContext{
			AccessID: access.ID, Token: c.Token, CallerID: c.CallerID, Method: m.ID, Params: c.Params,
		})
		if err != nil {
			slog.Error("custom auth step failed", "method", m.ID, "error", err)
			return apperror.Wrap(err, apperror.KindUnexpected, "custom auth step failed")
		}
		if !ok {
			return apperror.New(apperror.KindForbidden, "custom auth step denied the request")
		}
	}

	return nil
}

func resolveUserAndAccess(c *Context) (string, *model.Access, error) {
	if c.Username == "" {
		return "", nil, nil // admin/system endpoints resolve no per-user access
	}

	userID, err := resolveUserID(c)
	if err != nil {
		return "", nil, err
	}

	if c.Token == "" {
		return userID, nil, apperror.New(apperror.KindInvalidAccessToken, "missing access token")
	}

	access, err := c.Deps.Auth.Resolve(c.Ctx, userID, c.Token)
	if err != nil {
		return userID, nil, err
	}
	return userID, access, nil
}

// resolveUserID resolves c.Username to a userID through the cache, falling
// back to storage on a miss. Used both by the normal token-resolving path
// and by NoAuth methods, which need a userID but never a token.
func resolveUserID(c *Context) (string, error) {
	if c.Deps.Cache != nil {
		if id, ok := c.Deps.Cache.LookupUserID(c.Username); ok {
			return id, nil
		}
	}

	u, err := c.Deps.Store.GetUserByUsername(c.Ctx, c.Username)
	if err != nil {
		return "", apperror.FromStorage(err)
	}
	if u == nil {
		return "", apperror.New(apperror.KindUnknownResource, "unknown user")
	}
	if c.Deps.Cache != nil {
		c.Deps.Cache.StoreUserID(c.Username, u.ID)
	}
	return u.ID, nil
}

// validateParams implements spec.md §4.1 step 2.
func (r *Registry) validateParams(c *Context, m *Method) error {
	d := schema.Lookup(m.Resource, m.Action)
	if d == nil {
		return nil
	}
	if errs := schema.Validate(d, c.Params); len(errs) > 0 {
		return apperror.New(apperror.KindInvalidParametersFormat, "parameter validation failed", errs)
	}
	return nil
}

// protectedFieldGuard implements spec.md §4.1 step 3.
func (r *Registry) protectedFieldGuard(c *Context, m *Method) error {
	d := schema.Lookup(m.Resource, m.Action)
	if d == nil || len(d.AlterableProperties) == 0 {
		return nil
	}
	strict := r.deps.ProtectedFieldMode.orDefault() == ModeStrict
	clean := make(map[string]any, len(c.Params))
	for k, v := range c.Params {
		if k == "id" {
			// The target id is injected from the URL path, not a client-
			// supplied alterable field; the guard must never reject or
			// strip it, or stepXxxUpdate loses the id it needs to run.
			clean[k] = v
			continue
		}
		if d.IsAlterable(k) {
			clean[k] = v
			continue
		}
		if strict {
			return apperror.New(apperror.KindForbidden, "field not alterable: "+k)
		}
		slog.Warn("stripping non-alterable field from update", "method", m.ID, "field", k)
	}
	c.Params = clean
	return nil
}

func asAppError(err error) *apperror.Error {
	if e := apperror.As(err); e != nil {
		return e
	}
	return apperror.Wrap(err, apperror.KindUnexpected, "unexpected error")
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
