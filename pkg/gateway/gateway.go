// Package gateway binds the session, path resolver, write-time policy
// engine, audit log, and kill-switch into the single control-flow
// surface a transport layer calls into (spec.md §2): transport → kernel
// gate on an initialized session → write-time policy engine (which
// itself orchestrates path bounds, plan authorization, static policy,
// and intent validation) → audit append → result returned. Read calls
// bypass the write-time policy engine but are still gated on the
// kill-switch's read-only tool allowlist.
package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/atlas-gate/gatekernel/pkg/audit"
	"github.com/atlas-gate/gatekernel/pkg/config"
	"github.com/atlas-gate/gatekernel/pkg/errs"
	"github.com/atlas-gate/gatekernel/pkg/killswitch"
	"github.com/atlas-gate/gatekernel/pkg/pathresolver"
	"github.com/atlas-gate/gatekernel/pkg/planstore"
	"github.com/atlas-gate/gatekernel/pkg/session"
	"github.com/atlas-gate/gatekernel/pkg/telemetry"
	"github.com/atlas-gate/gatekernel/pkg/writepolicy"
)

// Gateway is the process-wide kernel instance a transport adapter holds.
// Exactly one is constructed per session, mirroring the teacher's
// single-dispatcher-owns-one-SessionContext design.
type Gateway struct {
	Resolver    *pathresolver.Resolver
	Session     *session.State
	Plans       *planstore.Store
	AuditLog    *audit.Log
	KillSwitch  *killswitch.Manager
	WritePolicy *writepolicy.Engine
	Governance  config.Governance
	Telemetry   *telemetry.Provider

	operatorTokenSecret []byte
}

// Open locks the workspace root, wires every collaborator to it, and
// returns a ready-to-use Gateway. Call order matters: the resolver must
// lock before any path derived from it (plans dir, audit log, kill
// switch file) is computed.
func Open(workspaceRoot string, role session.Role, cfg *config.Config) (*Gateway, error) {
	resolver := pathresolver.New()
	if err := resolver.Lock(workspaceRoot); err != nil {
		return nil, err
	}

	plansDir, err := resolver.PlansDir()
	if err != nil {
		return nil, err
	}
	auditLogPath, err := resolver.AuditLogPath()
	if err != nil {
		return nil, err
	}
	lockPath, err := resolver.LockPath()
	if err != nil {
		return nil, err
	}
	killSwitchPath, err := resolver.KillSwitchPath()
	if err != nil {
		return nil, err
	}
	governancePath, err := resolver.GovernancePath()
	if err != nil {
		return nil, err
	}
	governance, err := loadOrInitGovernance(governancePath)
	if err != nil {
		return nil, err
	}
	if cfg != nil && cfg.BootstrapSecret != "" {
		governance.BootstrapEnabled = true
	}

	plans := planstore.New(plansDir)
	auditLog := audit.New(auditLogPath, lockPath)
	ks := killswitch.New(killSwitchPath)
	thresholds := config.FatigueThresholdsFromEnv()
	sess := session.New(workspaceRoot, role, thresholds)
	if cfg != nil && cfg.RedisAddr != "" {
		sess.WithAccelerator(session.NewRedisAccelerator(cfg.RedisAddr, "", 0))
	}
	wp := writepolicy.New(resolver, plans, auditLog)

	tel, err := telemetry.New("0.1.0")
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "failed to initialize telemetry", err)
	}

	gw := &Gateway{
		Resolver:    resolver,
		Session:     sess,
		Plans:       plans,
		AuditLog:    auditLog,
		KillSwitch:  ks,
		WritePolicy: wp,
		Governance:  governance,
		Telemetry:   tel,
	}
	if cfg != nil && cfg.OperatorTokenSecret != "" {
		gw.operatorTokenSecret = []byte(cfg.OperatorTokenSecret)
	}
	return gw, nil
}

// BindOperator validates tokenString as an operator identity JWT and
// binds it to the session exactly once. Returns CodeInvariantViolation
// if no operator token secret is configured, since accepting an
// unverifiable identity token would be worse than refusing it outright.
func (g *Gateway) BindOperator(tokenString string) error {
	if len(g.operatorTokenSecret) == 0 {
		return errs.New(errs.CodeInvariantViolation, "no operator token secret configured")
	}
	return g.Session.BindIdentityFromToken(tokenString, g.operatorTokenSecret)
}

// loadOrInitGovernance reads R/.kaiza/governance.json, materializing it
// with the secure-by-default bootstrap flags (spec.md §9 design note 3)
// on first use rather than leaving bootstrap state implicit.
func loadOrInitGovernance(path string) (config.Governance, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return config.Governance{}, errs.Wrap(errs.CodeFileReadFailed, "failed to read governance state", err)
		}
		g := config.DefaultGovernance()
		if err := persistGovernance(path, g); err != nil {
			return config.Governance{}, err
		}
		return g, nil
	}
	var g config.Governance
	if err := json.Unmarshal(raw, &g); err != nil {
		return config.Governance{}, errs.Wrap(errs.CodeInvariantViolation, "governance state is corrupted", err)
	}
	return g, nil
}

func persistGovernance(path string, g config.Governance) error {
	raw, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return errs.Wrap(errs.CodeFileWriteFailed, "failed to marshal governance state", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.CodeFileWriteFailed, "failed to create governance directory", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errs.Wrap(errs.CodeFileWriteFailed, "failed to persist governance state", err)
	}
	return nil
}

// gated runs the kill-switch admission check for tool, failing closed
// with CodeKillSwitchEngaged unless tool is on the read-only allowlist.
func (g *Gateway) gated(tool string) error {
	s, err := g.KillSwitch.Load()
	if err != nil {
		return err
	}
	if !killswitch.IsToolAdmitted(s, tool) {
		return errs.New(errs.CodeKillSwitchEngaged, "kill switch engaged: "+tool+" is not on the read-only allowlist")
	}
	return nil
}

// HandleWrite is the control-flow entry point for a mutating tool call
// (spec.md §2): it gates on session initialization and the kill switch,
// then delegates to the write-time policy engine, which appends exactly
// one audit entry on every branch.
func (g *Gateway) HandleWrite(req writepolicy.Request) (verdict *writepolicy.Verdict, err error) {
	_, done := g.Telemetry.TrackOperation(context.Background(), "gateway.handle_write",
		attribute.String("tool", req.Tool), attribute.String("target_path", req.TargetPath))
	defer func() { done(err) }()

	if _, err = g.Resolver.Root(); err != nil {
		return nil, err
	}
	if err = g.gated(req.Tool); err != nil {
		return nil, err
	}
	if err = g.Session.CheckFatigueGuard(); err != nil {
		return nil, err
	}
	verdict, err = g.WritePolicy.Evaluate(req)
	if err != nil {
		return nil, err
	}
	g.Session.RecordApproval()
	return verdict, nil
}

// HandleRead is the control-flow entry point for a non-mutating tool
// call: it bypasses the write-time policy engine entirely (spec.md §2
// "Read calls bypass J") but remains subject to the kill-switch
// allowlist, since a HALT must still stop even read tools the allowlist
// doesn't name.
func (g *Gateway) HandleRead(tool string) (err error) {
	_, done := g.Telemetry.TrackOperation(context.Background(), "gateway.handle_read", attribute.String("tool", tool))
	defer func() { done(err) }()

	if _, err = g.Resolver.Root(); err != nil {
		return err
	}
	err = g.gated(tool)
	return err
}

// EngageKillSwitch persists the HALT state. If reportPath is empty, a
// deterministic default under R/docs/reports is derived from the
// trigger reason instead of leaving the halt report unaddressed.
func (g *Gateway) EngageKillSwitch(reason string, failureIDs, invariantIDs []string, triggerRole, triggerTool, reportPath string) (state *killswitch.State, err error) {
	_, done := g.Telemetry.TrackOperation(context.Background(), "gateway.engage_kill_switch", attribute.String("reason", reason))
	defer func() { done(err) }()

	if reportPath == "" {
		reportsDir, rdErr := g.Resolver.ReportsDir()
		if rdErr != nil {
			err = rdErr
			return nil, err
		}
		reportPath = defaultHaltReportPath(reportsDir, reason)
	}
	state, err = g.KillSwitch.Engage(reason, failureIDs, invariantIDs, triggerRole, triggerTool, reportPath)
	return state, err
}

// ReportsDir is a convenience passthrough used by cmd/gatekernel to
// place halt reports and attestation exports without re-deriving the
// resolver's path logic.
func (g *Gateway) ReportsDir() (string, error) {
	return g.Resolver.ReportsDir()
}

// defaultHaltReportPath builds a deterministic halt-report filename from
// the trigger reason, for callers that don't already have one.
func defaultHaltReportPath(reportsDir, reason string) string {
	return filepath.Join(reportsDir, "halt-"+reason+".md")
}
