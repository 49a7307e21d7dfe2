package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/latticeiot/abacgate/pkg/attrid"
	"github.com/latticeiot/abacgate/pkg/audit"
	"github.com/latticeiot/abacgate/pkg/auth"
	"github.com/latticeiot/abacgate/pkg/bundle"
	"github.com/latticeiot/abacgate/pkg/catalog"
	"github.com/latticeiot/abacgate/pkg/condition"
	"github.com/latticeiot/abacgate/pkg/envverify"
	"github.com/latticeiot/abacgate/pkg/hardening"
	"github.com/latticeiot/abacgate/pkg/httpx"
	"github.com/latticeiot/abacgate/pkg/metrics"
	"github.com/latticeiot/abacgate/pkg/orchestrator"
	"github.com/latticeiot/abacgate/pkg/ratelimit"
	"github.com/latticeiot/abacgate/pkg/registry"
	"github.com/latticeiot/abacgate/pkg/statebus"
	"github.com/latticeiot/abacgate/pkg/store"
	"github.com/latticeiot/abacgate/pkg/stream"
	"github.com/latticeiot/abacgate/pkg/telemetry"
)

// Server wires the Attribute Registry, Policy Catalog, Evaluator, and
// Decision Orchestrator behind an HTTP+websocket front door.
type Server struct {
	Admin attrid.Identifier

	Registry     *registry.Registry
	Catalog      *catalog.Catalog
	Evaluator    *condition.Evaluator
	Orchestrator *orchestrator.Orchestrator

	Metrics *metrics.Registry
	Events  *stream.Hub

	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64

	RateLimitEnabled   bool
	RateLimitPerMinute int
	RateLimiter        ratelimit.Limiter

	ReplayCache    store.Cache
	OracleKeyStore auth.KeyStore
	EnvFeed        *envFeed
}

// gatewaySink fans a single audit event out to Postgres, Kafka, the
// websocket hub, and the metrics registry. Only the Postgres write's error
// is logged; none of these ever change the decision already returned.
type gatewaySink struct {
	db      *audit.Writer
	kafka   *statebus.Publisher
	events  *stream.Hub
	metrics *metrics.Registry
}

func (g *gatewaySink) Emit(ctx context.Context, evt orchestrator.AuditEvent) error {
	rec := audit.Record{
		DecisionID:    uuid.NewString(),
		Subject:       evt.Subject,
		Resource:      evt.Resource,
		Action:        evt.Action,
		Permit:        evt.Permit,
		MatchedPolicy: evt.Matched,
		CreatedAt:     evt.At,
	}
	if g.metrics != nil {
		g.metrics.IncDecision(evt.Permit, uint64(evt.Matched))
	}
	if g.events != nil {
		g.events.Publish(stream.NewEvent("decision", rec))
	}
	if g.kafka != nil {
		if payload, err := json.Marshal(rec); err == nil {
			_ = g.kafka.Publish(ctx, rec.DecisionID, payload)
		}
	}
	if g.db == nil {
		return nil
	}
	if err := g.db.Append(ctx, rec); err != nil {
		log.Printf("gateway: audit append failed: %v", err)
		return err
	}
	return nil
}

// registrySink fans every accepted attribute write out to the Postgres
// mirror (so a restart can replay last-known state), the attribute-set
// audit event spec.md §4.1 requires, and the metrics registry.
// registry.Sink.Emit has no error return, so failures are only logged.
type registrySink struct {
	mirror  *registry.PostgresMirror
	audit   *audit.Writer
	metrics *metrics.Registry
}

func (s *registrySink) Emit(evt registry.WriteEvent) {
	if s.mirror != nil {
		s.mirror.Emit(evt)
	}
	if s.audit != nil {
		if err := s.audit.AppendAttribute(context.Background(), audit.AttributeRecord{
			Subject:   evt.Subject,
			ID:        evt.ID,
			Key:       evt.Key,
			Value:     evt.Value,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			log.Printf("gateway: attribute audit append failed: %v", err)
		}
	}
	if s.metrics != nil {
		s.metrics.IncCounter("registry_writes_total")
	}
}

// Testable hooks for main().
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        func(*http.Server) error
)

func main() {
	if err := runGateway(initTelemetryFn, listenFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	pool, err := store.NewPostgresPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	var cache store.Cache
	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		log.Printf("gateway: redis unavailable, falling back to in-memory cache: %v", err)
		cache = store.NewCache(ctx, nil)
	} else {
		defer redisClient.Close()
		cache = store.NewCache(ctx, redisClient)
	}

	admin := attrid.IdentifierFromBytes([]byte(env("ADMIN_IDENTITY", "abacgate-admin")))
	if raw := strings.TrimSpace(os.Getenv("ADMIN_IDENTITY_HEX")); raw != "" {
		if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
			admin = attrid.IdentifierFromBytes(b)
		}
	}

	auditWriter := &audit.Writer{DB: pool}
	metricsReg := metrics.NewRegistry()

	regMirror := &registry.PostgresMirror{DB: pool, OnError: func(err error) {
		log.Printf("gateway: registry mirror write failed: %v", err)
	}}
	reg := registry.New(admin, &registrySink{mirror: regMirror, audit: auditWriter, metrics: metricsReg})

	cat := catalog.New(admin)
	cat.SetSink(&catalog.PostgresMirror{DB: pool, OnError: func(err error) {
		log.Printf("gateway: catalog mirror write failed: %v", err)
	}})

	eval := condition.NewEvaluator(reg)

	var kafkaPub *statebus.Publisher
	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_AUDIT_TOPIC", "abacgate.decisions"),
		})
		if err != nil {
			log.Printf("gateway: kafka publisher disabled: %v", err)
		} else {
			kafkaPub = pub
			defer pub.Close()
		}
	}

	events := stream.NewHub()

	sink := &gatewaySink{db: auditWriter, kafka: kafkaPub, events: events, metrics: metricsReg}
	orch := orchestrator.New(admin, cat, eval, sink)

	var feed *envFeed
	if brokers := strings.TrimSpace(os.Getenv("SIEM_KAFKA_BROKERS")); brokers != "" {
		consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("SIEM_ENV_TOPIC", "abacgate.env-signals"),
			GroupID: env("SIEM_ENV_GROUP_ID", "abacgate-gateway"),
		})
		if err != nil {
			log.Printf("gateway: siem env feed disabled: %v", err)
		} else {
			feed = &envFeed{}
			feedCtx, cancelFeed := context.WithCancel(context.Background())
			go consumeEnvFeed(feedCtx, consumer, feed)
			defer cancelFeed()
		}
	}

	keyStore, err := buildOracleKeyStore(
		http.DefaultClient,
		env("KEYSTORE_PROVIDER", ""),
		env("VAULT_ADDR", ""),
		env("VAULT_TOKEN", ""),
		env("VAULT_NAMESPACE", ""),
		env("VAULT_TRANSIT", ""),
		env("VAULT_KEY_PREFIX", ""),
		time.Duration(envInt("VAULT_TIMEOUT_MS", 1500))*time.Millisecond,
		envInt("VAULT_MAX_RETRIES", 0),
		time.Duration(envInt("VAULT_RETRY_DELAY_MS", 0))*time.Millisecond,
	)
	if err != nil {
		return err
	}

	if pubKeyHex := strings.TrimSpace(os.Getenv("ENV_VERIFIER_PUBLIC_KEY")); pubKeyHex != "" || keyStore != nil {
		var pubKey []byte
		if pubKeyHex != "" {
			pubKey, err = hex.DecodeString(pubKeyHex)
			if err != nil || len(pubKey) != ed25519.PublicKeySize {
				return errors.New("ENV_VERIFIER_PUBLIC_KEY must be a hex-encoded ed25519 public key")
			}
		}
		replayTTL := time.Duration(envInt("ENV_VERIFIER_REPLAY_TTL_SEC", 86400)) * time.Second
		verifier := &envverify.Ed25519Verifier{PublicKey: ed25519.PublicKey(pubKey), Replay: cache, ReplayTTL: replayTTL, KeyStore: keyStore}
		if err := orch.SetEnvOracle(admin, verifier); err != nil {
			return err
		}
	}

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	rateLimitWindow := time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60)) * time.Second
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
	} else {
		limiter = ratelimit.NewInMemory(rateLimitWindow)
	}

	s := &Server{
		Admin:               admin,
		Registry:            reg,
		Catalog:             cat,
		Evaluator:           eval,
		Orchestrator:        orch,
		Metrics:             metricsReg,
		Events:              events,
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimiter:         limiter,
		ReplayCache:         cache,
		OracleKeyStore:      keyStore,
		EnvFeed:             feed,
	}

	r := s.router()

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

// buildOracleKeyStore wires an external key resolver for the environment
// oracle's rotating ed25519 keys. Only "vault_transit" is supported today;
// an empty provider disables key-store-backed rotation and the oracle falls
// back to the single ENV_VERIFIER_PUBLIC_KEY.
func buildOracleKeyStore(
	client *http.Client,
	provider,
	vaultAddr,
	vaultToken,
	vaultNamespace,
	vaultTransit,
	vaultKeyPrefix string,
	vaultTimeout time.Duration,
	vaultRetries int,
	vaultRetryDelay time.Duration,
) (auth.KeyStore, error) {
	mode := strings.ToLower(strings.TrimSpace(provider))
	switch mode {
	case "":
		return nil, nil
	case "vault_transit":
		if strings.TrimSpace(vaultAddr) == "" {
			return nil, errors.New("KEYSTORE_PROVIDER=vault_transit requires VAULT_ADDR")
		}
		if strings.TrimSpace(vaultToken) == "" {
			return nil, errors.New("KEYSTORE_PROVIDER=vault_transit requires VAULT_TOKEN")
		}
		return auth.VaultTransitKeyStore{
			Client:     client,
			Addr:       vaultAddr,
			Token:      vaultToken,
			Namespace:  vaultNamespace,
			Transit:    vaultTransit,
			KeyPrefix:  vaultKeyPrefix,
			Timeout:    vaultTimeout,
			MaxRetries: vaultRetries,
			RetryDelay: vaultRetryDelay,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported KEYSTORE_PROVIDER %q", provider)
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.observeLatencyMiddleware)
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authed := chi.NewRouter()
	authed.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))

	authed.Post("/v1/access/check_access", s.withRoles(s.checkAccess, "operator", "auditor", "securityadmin"))
	authed.Post("/v1/access/request_access", s.withRoles(s.requestAccess, "operator", "securityadmin"))

	authed.Post("/v1/registry/subjects/{id}/attributes", s.withRoles(s.setSubjectAttributes, "operator", "securityadmin"))
	authed.Post("/v1/registry/objects/{id}/attributes", s.withRoles(s.setObjectAttributes, "securityadmin"))
	authed.Get("/v1/registry/subjects/{id}/attributes/{key}", s.withRoles(s.getSubjectAttribute, "operator", "auditor", "securityadmin"))
	authed.Get("/v1/registry/objects/{id}/attributes/{key}", s.withRoles(s.getObjectAttribute, "operator", "auditor", "securityadmin"))

	authed.Post("/v1/catalog/policies", s.withRoles(s.createPolicy, "securityadmin"))
	authed.Patch("/v1/catalog/policies/{id}", s.withRoles(s.setPolicyEnabled, "securityadmin"))
	authed.Delete("/v1/catalog/policies/{id}", s.withRoles(s.deletePolicy, "securityadmin"))
	authed.Get("/v1/catalog/policies/{id}", s.withRoles(s.getPolicy, "operator", "auditor", "securityadmin"))
	authed.Post("/v1/catalog/bundles", s.withRoles(s.applyBundle, "securityadmin"))

	authed.Post("/v1/admin/env-oracle", s.withRoles(s.setEnvOracle, "securityadmin"))

	authed.Get("/v1/stream/decisions", s.withRoles(s.streamDecisions, "operator", "auditor", "securityadmin"))

	r.Mount("/", authed)
	return r
}

// --- decision endpoints ---

type envDoc struct {
	TimeWindow    uint8  `json:"time_window"`
	EmergencyMode bool   `json:"emergency_mode"`
	SystemLoad    uint64 `json:"system_load"`
}

func (e envDoc) toEnv() condition.Env {
	return condition.Env{
		TimeWindow:    e.TimeWindow,
		EmergencyMode: e.EmergencyMode,
		SystemLoad:    new(big.Int).SetUint64(e.SystemLoad),
	}
}

type accessRequest struct {
	Subject     string  `json:"subject"`
	Resource    string  `json:"resource"`
	Action      string  `json:"action"`
	Environment *envDoc `json:"environment"`
	Proof       *struct {
		Nonce     string `json:"nonce"`
		Signature string `json:"signature"`
		Kid       string `json:"kid,omitempty"`
	} `json:"proof,omitempty"`
}

// resolveEnv returns the request's own environment block if present,
// falling back to the live SIEM-fed snapshot (if any) when the caller
// omits it, and to the zero Env otherwise.
func (s *Server) resolveEnv(doc *envDoc) condition.Env {
	if doc != nil {
		return doc.toEnv()
	}
	if s.EnvFeed != nil {
		snap := s.EnvFeed.Get()
		return snap.toEnv()
	}
	return condition.Env{}
}

func (s *Server) checkAccess(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	subject, resource, action, err := parseAccessTuple(req)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	dec := s.Orchestrator.CheckAccess(subject, resource, action, s.resolveEnv(req.Environment))
	httpx.WriteJSON(w, 200, map[string]any{"permit": dec.Permit, "matched_policy_id": uint64(dec.Matched)})
}

func (s *Server) requestAccess(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	subject, resource, action, err := parseAccessTuple(req)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	if blocked, reset := s.checkRateLimit(hex.EncodeToString(subject[:])); blocked {
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(reset).Seconds())))
		httpx.Error(w, 429, "rate limit exceeded")
		return
	}
	var proof any
	if req.Proof != nil {
		proof = envverify.Proof{Nonce: req.Proof.Nonce, Signature: req.Proof.Signature, Kid: req.Proof.Kid}
	}
	permit, err := s.Orchestrator.RequestAccess(r.Context(), subject, resource, action, s.resolveEnv(req.Environment), proof)
	if err != nil {
		if errors.Is(err, orchestrator.ErrEnvVerificationFailed) {
			httpx.Error(w, 403, "environment verification failed")
			return
		}
		internalServerError(w, "request_access", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"permit": permit})
}

func (s *Server) checkRateLimit(subject string) (bool, time.Time) {
	if !s.RateLimitEnabled || s.RateLimiter == nil {
		return false, time.Time{}
	}
	dec := s.RateLimiter.Allow("access:"+subject, s.RateLimitPerMinute)
	return !dec.Allowed, dec.ResetAt
}

func parseAccessTuple(req accessRequest) (subject, resource attrid.Identifier, action condition.Action, err error) {
	subject, err = parseIdentifier(req.Subject)
	if err != nil {
		return subject, resource, action, errors.New("invalid subject")
	}
	resource, err = parseIdentifier(req.Resource)
	if err != nil {
		return subject, resource, action, errors.New("invalid resource")
	}
	action, err = parseActionName(req.Action)
	if err != nil {
		return subject, resource, action, err
	}
	return subject, resource, action, nil
}

// --- registry endpoints ---

type attributeDoc struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type attributeBatchRequest struct {
	Attributes []attributeDoc `json:"attributes"`
}

func (s *Server) setSubjectAttributes(w http.ResponseWriter, r *http.Request) {
	s.setAttributes(w, r, true)
}

func (s *Server) setObjectAttributes(w http.ResponseWriter, r *http.Request) {
	s.setAttributes(w, r, false)
}

func (s *Server) setAttributes(w http.ResponseWriter, r *http.Request, subject bool) {
	id, err := parseIdentifier(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, 400, "invalid id")
		return
	}
	var req attributeBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	caller, err := s.callerIdentifier(r)
	if err != nil {
		httpx.Error(w, 401, err.Error())
		return
	}
	keys := make([]attrid.AttributeKey, len(req.Attributes))
	values := make([]attrid.AttributeValue, len(req.Attributes))
	for i, a := range req.Attributes {
		keys[i] = attrid.KeyFor(a.Key)
		values[i] = resolveAttributeValue(a.Value)
	}
	if subject {
		err = s.Registry.SetSubjectAttributes(caller, id, keys, values)
	} else {
		err = s.Registry.SetObjectAttributes(caller, id, keys, values)
	}
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"status": "ok"})
}

func (s *Server) getSubjectAttribute(w http.ResponseWriter, r *http.Request) {
	id, err := parseIdentifier(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, 400, "invalid id")
		return
	}
	key := attrid.KeyFor(chi.URLParam(r, "key"))
	v := s.Registry.SubjectAttr(id, key)
	httpx.WriteJSON(w, 200, map[string]string{"value": hex.EncodeToString(v[:])})
}

func (s *Server) getObjectAttribute(w http.ResponseWriter, r *http.Request) {
	id, err := parseIdentifier(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, 400, "invalid id")
		return
	}
	key := attrid.KeyFor(chi.URLParam(r, "key"))
	v := s.Registry.ObjectAttr(id, key)
	httpx.WriteJSON(w, 200, map[string]string{"value": hex.EncodeToString(v[:])})
}

func resolveAttributeValue(raw string) attrid.AttributeValue {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "0x") {
		if b, err := hex.DecodeString(raw[2:]); err == nil {
			return attrid.ValueFromBytes(b)
		}
	}
	return attrid.AttributeValue(attrid.KeyFor(raw))
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotAuthorized):
		httpx.Error(w, 403, "forbidden")
	case errors.Is(err, registry.ErrLengthMismatch):
		httpx.Error(w, 400, "keys and values length mismatch")
	default:
		internalServerError(w, "registry write", err)
	}
}

// --- catalog endpoints ---

type policyDoc struct {
	Resource   string                `json:"resource"`
	Action     string                `json:"action"`
	Conditions []bundle.ConditionDoc `json:"conditions"`
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyDoc
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	doc := bundle.PolicyDoc{Resource: req.Resource, Action: req.Action, Conditions: req.Conditions}
	resource, action, conds, err := bundle.Decode(doc)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	caller, err := s.callerIdentifier(r)
	if err != nil {
		httpx.Error(w, 401, err.Error())
		return
	}
	id, err := s.Catalog.CreatePolicy(caller, resource, action, conds)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"policy_id": uint64(id)})
}

func (s *Server) setPolicyEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := parsePolicyID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, 400, "invalid policy id")
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	caller, err := s.callerIdentifier(r)
	if err != nil {
		httpx.Error(w, 401, err.Error())
		return
	}
	if err := s.Catalog.SetPolicyEnabled(caller, id, req.Enabled); err != nil {
		writeCatalogError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"status": "ok"})
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := parsePolicyID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, 400, "invalid policy id")
		return
	}
	caller, err := s.callerIdentifier(r)
	if err != nil {
		httpx.Error(w, 401, err.Error())
		return
	}
	if err := s.Catalog.DeletePolicy(caller, id); err != nil {
		writeCatalogError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"status": "ok"})
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := parsePolicyID(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, 400, "invalid policy id")
		return
	}
	rule, err := s.Catalog.GetPolicy(id)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"id":       uint64(rule.ID),
		"resource": hex.EncodeToString(rule.Resource[:]),
		"action":   int(rule.Action),
		"enabled":  rule.Enabled,
	})
}

func (s *Server) applyBundle(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r, s.MaxRequestBodyBytes)
	if err != nil {
		httpx.Error(w, 400, "invalid body")
		return
	}
	caller, err := s.callerIdentifier(r)
	if err != nil {
		httpx.Error(w, 401, err.Error())
		return
	}
	ids, err := bundle.Load(raw, s.Catalog, caller)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	httpx.WriteJSON(w, 201, map[string]any{"policy_ids": out})
}

func writeCatalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotAuthorized):
		httpx.Error(w, 403, "forbidden")
	case errors.Is(err, catalog.ErrUnknownPolicy):
		httpx.Error(w, 404, "policy not found")
	case errors.Is(err, catalog.ErrBadPolicyShape):
		httpx.Error(w, 400, "bad policy shape")
	default:
		internalServerError(w, "catalog operation", err)
	}
}

type envOracleDoc struct {
	PublicKey    string `json:"public_key"`
	Kid          string `json:"kid"`
	ReplayTTLSec int    `json:"replay_ttl_sec"`
}

// setEnvOracle installs or rotates the environment verifier at runtime,
// replacing whatever ENV_VERIFIER_PUBLIC_KEY installed at startup. An empty
// public_key clears the oracle, matching Orchestrator.SetEnvOracle(nil).
func (s *Server) setEnvOracle(w http.ResponseWriter, r *http.Request) {
	var req envOracleDoc
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	caller, err := s.callerIdentifier(r)
	if err != nil {
		httpx.Error(w, 401, err.Error())
		return
	}

	pubKeyHex := strings.TrimSpace(req.PublicKey)
	if pubKeyHex == "" {
		if err := s.Orchestrator.SetEnvOracle(caller, nil); err != nil {
			writeOrchestratorError(w, err)
			return
		}
		httpx.WriteJSON(w, 200, map[string]string{"status": "cleared"})
		return
	}

	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		httpx.Error(w, 400, "public_key must be a hex-encoded ed25519 public key")
		return
	}
	replayTTL := time.Duration(req.ReplayTTLSec) * time.Second
	if replayTTL <= 0 {
		replayTTL = time.Duration(envInt("ENV_VERIFIER_REPLAY_TTL_SEC", 86400)) * time.Second
	}
	verifier := &envverify.Ed25519Verifier{
		PublicKey: ed25519.PublicKey(pubKey),
		Replay:    s.ReplayCache,
		ReplayTTL: replayTTL,
		KeyStore:  s.OracleKeyStore,
	}
	if err := s.Orchestrator.SetEnvOracle(caller, verifier); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "kid": req.Kid})
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotAuthorized):
		httpx.Error(w, 403, "forbidden")
	default:
		internalServerError(w, "orchestrator operation", err)
	}
}

// --- live decision stream ---

func (s *Server) streamDecisions(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// --- middleware and helpers ---

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) callerIdentifier(r *http.Request) (attrid.Identifier, error) {
	if strings.EqualFold(s.AuthMode, "off") {
		return s.Admin, nil
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || strings.TrimSpace(principal.Subject) == "" {
		return attrid.Identifier{}, errors.New("unauthenticated")
	}
	return attrid.IdentifierFromBytes([]byte(principal.Subject)), nil
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observeLatencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		if s.Metrics != nil {
			s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.status, time.Since(start))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("gateway %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func parseIdentifier(s string) (attrid.Identifier, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return attrid.Identifier{}, err
	}
	return attrid.IdentifierFromBytes(b), nil
}

func parsePolicyID(s string) (catalog.PolicyID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return catalog.PolicyID(n), nil
}

func parseActionName(s string) (condition.Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "READ":
		return condition.ActionRead, nil
	case "WRITE":
		return condition.ActionWrite, nil
	case "EXECUTE":
		return condition.ActionExecute, nil
	default:
		return 0, errors.New("unknown action")
	}
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	body := r.Body
	if limit > 0 && body != nil {
		body = io.NopCloser(io.LimitReader(body, limit))
	}
	return io.ReadAll(body)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
