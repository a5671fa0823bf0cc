// Package scheduler executes a validated work-package DAG with bounded
// worker and QA concurrency, budget accounting, portfolio enforcement, and
// ledger emission.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"dispatch/internal/judge"
	"dispatch/internal/ledger"
	"dispatch/internal/packager"
	"dispatch/internal/portfolio"
	"dispatch/internal/registry"
	"dispatch/internal/router"
	"dispatch/internal/runner"
	"dispatch/internal/trust"
	"dispatch/internal/variance"
)

// Portfolio modes.
const (
	ModeOff    = "off"
	ModePrefer = "prefer"
	ModeLock   = "lock"
)

// Package result statuses.
const (
	PackageOK      = "ok"
	PackageFailed  = "failed"
	PackageSkipped = "skipped"
)

// Default concurrency caps.
const (
	DefaultWorkerConcurrency = 3
	DefaultQAConcurrency     = 1
)

// Tier profiles.
const (
	TierCheap    = "cheap"
	TierBalanced = "balanced"
	TierPremium  = "premium"
)

// premiumMinQuality is the quality floor the premium tier imposes.
const premiumMinQuality = 0.80

// Options configure one project run.
type Options struct {
	Directive         string
	BudgetUSD         float64
	TierProfile       string
	WorkerConcurrency int
	QAConcurrency     int
	PortfolioMode     string
	Portfolio         *portfolio.Portfolio
	Session           *Session

	// IncludeCouncilAudit records that council planning was considered and
	// skipped, so downstream analytics can tell "skipped" from "never asked".
	IncludeCouncilAudit bool
}

// PackageResult is the terminal state of one package.
type PackageResult struct {
	PackageID string              `json:"package_id"`
	Role      string              `json:"role"`
	Status    string              `json:"status"`
	Reason    string              `json:"reason,omitempty"`
	ModelID   string              `json:"model_id,omitempty"`
	CostUSD   float64             `json:"cost_usd"`
	Run       *runner.Result      `json:"run,omitempty"`
	QAVerdict *packager.QAVerdict `json:"qa_verdict,omitempty"`
}

// Result is the full outcome of a project run.
type Result struct {
	Session  Snapshot        `json:"session"`
	Packages []PackageResult `json:"packages"`
	Ledger   ledger.Entry    `json:"ledger"`
}

// Scheduler drives DAG execution through the shared runner and trackers.
type Scheduler struct {
	registry *registry.Registry
	runner   *runner.Runner
	cfg      router.Config
	trust    *trust.Tracker
	variance *variance.Tracker
}

// New creates a scheduler.
func New(reg *registry.Registry, run *runner.Runner, cfg router.Config, tr *trust.Tracker, vt *variance.Tracker) *Scheduler {
	return &Scheduler{registry: reg, runner: run, cfg: cfg, trust: tr, variance: vt}
}

type completion struct {
	id     string
	result PackageResult
}

// resultStore is the shared view of terminal package results, read by QA
// packages while the dispatcher keeps writing.
type resultStore struct {
	mu      sync.RWMutex
	results map[string]PackageResult
}

func newResultStore(n int) *resultStore {
	return &resultStore{results: make(map[string]PackageResult, n)}
}

func (rs *resultStore) get(id string) (PackageResult, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.results[id]
	return r, ok
}

func (rs *resultStore) put(r PackageResult) {
	rs.mu.Lock()
	rs.results[r.PackageID] = r
	rs.mu.Unlock()
}

// Run executes the package DAG. Plan validation failure fails the session
// before any work starts; package failures collect as warnings and the
// session still completes.
func (s *Scheduler) Run(ctx context.Context, packages []packager.WorkPackage, opts Options) (Result, error) {
	session := opts.Session
	if session == nil {
		session = NewSession()
	}

	if err := packager.Validate(packages); err != nil {
		session.Terminate(SessionFailed)
		return Result{Session: session.Snapshot()}, err
	}

	workerCap := opts.WorkerConcurrency
	if workerCap <= 0 {
		workerCap = DefaultWorkerConcurrency
	}
	qaCap := opts.QAConcurrency
	if qaCap <= 0 {
		qaCap = DefaultQAConcurrency
	}
	mode := opts.PortfolioMode
	if mode == "" {
		mode = ModeOff
	}

	led := ledger.New(session.ID())
	bdg := newBudget(opts.BudgetUSD)
	session.SetTotal(len(packages))

	if opts.IncludeCouncilAudit {
		led.Record(ledger.Decision{
			Type:   ledger.DecisionCouncilPlanningSkipped,
			Reason: "deterministic planning in effect",
		})
	}

	// Routing reservations land as soon as the router picks a model, so
	// concurrently running packages see reduced availability immediately.
	s.runner.SetEventSink(func(ev runner.Event) {
		if ev.Kind == "route" && ev.CostUSD > 0 {
			bdg.Reserve(ev.TaskID, ev.CostUSD)
		}
	})

	// Lock mode requires full registry coverage of the portfolio slots; a
	// gap downgrades the whole run to off with a ledger record.
	if mode == ModeLock && opts.Portfolio != nil {
		if missing := opts.Portfolio.Missing(s.registry.IDs()); len(missing) > 0 {
			log.Printf("[Scheduler] Portfolio slots missing from registry (%s); downgrading lock to off", strings.Join(missing, ", "))
			led.Record(ledger.Decision{
				Type:                      ledger.DecisionPortfolioValidation,
				PortfolioValidationFailed: true,
				Reason:                    ledger.ReasonPortfolioCoverageInvalid,
				MissingModelIDs:           missing,
			})
			mode = ModeOff
		}
	}

	byID := make(map[string]packager.WorkPackage, len(packages))
	remainingDeps := make(map[string]int, len(packages))
	dependents := make(map[string][]string, len(packages))
	for _, p := range packages {
		byID[p.ID] = p
		remainingDeps[p.ID] = len(p.DependsOn)
		for _, dep := range p.DependsOn {
			dependents[dep] = append(dependents[dep], p.ID)
		}
	}

	store := newResultStore(len(packages))

	var ready []string
	for _, p := range packages {
		if remainingDeps[p.ID] == 0 {
			ready = append(ready, p.ID)
		}
	}

	workerRunning, qaRunning := 0, 0
	inFlight := 0
	terminal := 0
	aborting := false
	done := make(chan completion)

	sortReady := func() {
		sort.SliceStable(ready, func(i, j int) bool {
			pi, pj := byID[ready[i]], byID[ready[j]]
			if pi.Importance != pj.Importance {
				return pi.Importance > pj.Importance
			}
			di, dj := len(dependents[pi.ID]), len(dependents[pj.ID])
			if di != dj {
				return di < dj
			}
			return pi.ID < pj.ID
		})
	}

	finishWithoutRunning := func(pr PackageResult) {
		store.put(pr)
		terminal++
		session.PackageSkipped()
		led.CountOutcome(pr.Status)
		if pr.Reason != "" {
			session.AddWarning(fmt.Sprintf("Package %s: %s", pr.PackageID, pr.Reason))
		}
	}

	var skipDependents func(id, reason string)
	skipDependents = func(id, reason string) {
		for _, depID := range dependents[id] {
			if _, settled := store.get(depID); settled {
				continue
			}
			for i, rid := range ready {
				if rid == depID {
					ready = append(ready[:i], ready[i+1:]...)
					break
				}
			}
			finishWithoutRunning(PackageResult{
				PackageID: depID,
				Role:      byID[depID].Role,
				Status:    PackageSkipped,
				Reason:    reason,
			})
			skipDependents(depID, reason)
		}
	}

	for terminal < len(packages) {
		// Dispatch as many ready packages as the pools allow.
		dispatched := true
		for dispatched {
			dispatched = false
			sortReady()
			for i, id := range ready {
				p := byID[id]

				if aborting && p.Role == packager.RoleWorker {
					ready = append(ready[:i], ready[i+1:]...)
					finishWithoutRunning(PackageResult{
						PackageID: id,
						Role:      p.Role,
						Status:    PackageSkipped,
						Reason:    "run aborted after fatal failure",
					})
					skipDependents(id, "dependency skipped after fatal failure")
					dispatched = true
					break
				}

				isQA := p.Role == packager.RoleQA
				if (isQA && qaRunning >= qaCap) || (!isQA && workerRunning >= workerCap) {
					continue
				}

				ready = append(ready[:i], ready[i+1:]...)
				if isQA {
					qaRunning++
				} else {
					workerRunning++
				}
				inFlight++
				session.PackageStarted()

				go func(p packager.WorkPackage) {
					var pr PackageResult
					if p.Role == packager.RoleQA {
						pr = s.executeQA(ctx, p, byID[p.SubjectPackageID], opts, mode, led, bdg, store)
					} else {
						pr = s.executeWorker(ctx, p, opts, mode, led, bdg)
					}
					done <- completion{id: p.ID, result: pr}
				}(p)

				dispatched = true
				break
			}
		}

		if terminal >= len(packages) {
			break
		}
		if inFlight == 0 {
			// Remaining packages are unreachable; a validated DAG should
			// never get here.
			break
		}

		c := <-done
		inFlight--
		if byID[c.id].Role == packager.RoleQA {
			qaRunning--
		} else {
			workerRunning--
		}

		store.put(c.result)
		terminal++
		session.PackageFinished()
		led.CountOutcome(c.result.Status)

		switch c.result.Status {
		case PackageOK:
			for _, depID := range dependents[c.id] {
				remainingDeps[depID]--
				if remainingDeps[depID] == 0 {
					ready = append(ready, depID)
				}
			}
		default:
			if c.result.Reason != "" {
				session.AddWarning(fmt.Sprintf("Package %s: %s", c.id, c.result.Reason))
			}
			skipDependents(c.id, fmt.Sprintf("dependency %s did not complete", c.id))
			if c.result.Status == PackageFailed && byID[c.id].Importance == 5 {
				log.Printf("[Scheduler] Fatal failure in package %s (importance 5); skipping unstarted workers", c.id)
				aborting = true
			}
		}
	}

	session.Terminate(SessionCompleted)

	out := Result{Session: session.Snapshot(), Ledger: led.Finalize()}
	for _, p := range packages {
		if r, ok := store.get(p.ID); ok {
			out.Packages = append(out.Packages, r)
		}
	}
	return out, nil
}

// tierFor resolves the effective tier profile for a package.
func tierFor(p packager.WorkPackage, opts Options) string {
	if p.TierProfileOverride != "" {
		return p.TierProfileOverride
	}
	if opts.TierProfile != "" {
		return opts.TierProfile
	}
	return TierBalanced
}

func tierMinQuality(tier string) *float64 {
	if tier == TierPremium {
		q := premiumMinQuality
		return &q
	}
	return nil
}

// executeWorker routes and runs one Worker package under the budget and
// portfolio constraints.
func (s *Scheduler) executeWorker(ctx context.Context, p packager.WorkPackage, opts Options, mode string, led *ledger.Ledger, bdg *budget) PackageResult {
	pr := PackageResult{PackageID: p.ID, Role: p.Role}

	avail := bdg.Available()
	if avail <= 0 {
		pr.Status = PackageSkipped
		pr.Reason = "budget_exceeded"
		led.Record(ledger.Decision{
			Type:      ledger.DecisionBudgetOptimization,
			PackageID: p.ID,
			Reason:    "budget_exceeded",
		})
		return pr
	}

	tier := tierFor(p, opts)
	card := p.Card(&avail, tierMinQuality(tier))

	pOpts, bypassReason := s.portfolioOptions(mode, p.Role, opts.Portfolio)
	req := runner.Request{
		Card:      card,
		Prompt:    workerPrompt(p),
		Directive: opts.Directive,
		Portfolio: pOpts,
		Routing:   router.RoutingOptions{CheapestViableChosen: p.CheapestViableChosen},
	}

	res, err := s.runner.Run(ctx, req)
	bdg.Commit(p.ID, res.TotalCostUSD)

	// Lock enforcement emptied the candidate set: classify why, then fall
	// back to off semantics for this decision only.
	if err != nil && mode == ModeLock && bypassReason == "" && len(pOpts.AllowedModelIDs) > 0 {
		bypassReason = classifyLockFailure(pOpts.AllowedModelIDs, res.Decision)
		req.Portfolio = router.PortfolioOptions{}
		res, err = s.runner.Run(ctx, req)
		bdg.Commit(p.ID, res.TotalCostUSD)
	}

	s.recordRoute(led, p, tier, res, bypassReason)
	s.recordExecutions(led, p, res)

	if err != nil {
		bdg.Release(p.ID)
		pr.Status = PackageFailed
		pr.Reason = fmt.Sprintf("no model fits allocated $%.4f", avail)
		return pr
	}
	if res.Status != runner.StatusOK {
		pr.Status = PackageFailed
		pr.Reason = res.Error
		pr.CostUSD = res.TotalCostUSD
		pr.Run = &res
		return pr
	}

	if res.EscalationUsed {
		entry := ledger.Decision{
			Type:            ledger.DecisionEscalation,
			PackageID:       p.ID,
			ChosenModelID:   res.ModelID,
			EscalationUsed:  true,
			RealizedCostUSD: res.TotalCostUSD,
			TargetScore:     s.cfg.Escalation.MinScoreTarget(card),
		}
		if res.Evaluation != nil {
			entry.FinalScore = res.Evaluation.Overall
		}
		led.Record(entry)
	}

	pr.Status = PackageOK
	pr.ModelID = res.ModelID
	pr.CostUSD = res.TotalCostUSD
	pr.Run = &res
	return pr
}

// executeQA checks a completed Worker's output, either deterministically or
// through an LLM second pass, and feeds the trust trackers.
func (s *Scheduler) executeQA(ctx context.Context, p, subject packager.WorkPackage, opts Options, mode string, led *ledger.Ledger, bdg *budget, store *resultStore) PackageResult {
	pr := PackageResult{PackageID: p.ID, Role: p.Role}

	subjectResult, ok := store.get(p.SubjectPackageID)
	if !ok || subjectResult.Status != PackageOK || subjectResult.Run == nil {
		pr.Status = PackageSkipped
		pr.Reason = "subject package has no output"
		return pr
	}
	subjectOutput := subjectResult.Run.Output

	det := judge.Validate(subject.TaskType, subjectOutput)

	var verdict packager.QAVerdict
	if p.QAPolicy == packager.QAPolicyLLM {
		avail := bdg.Available()
		if avail <= 0 {
			pr.Status = PackageSkipped
			pr.Reason = "budget_exceeded"
			return pr
		}
		tier := tierFor(p, opts)
		card := p.Card(&avail, tierMinQuality(tier))
		pOpts, bypassReason := s.portfolioOptions(mode, p.Role, opts.Portfolio)

		res, err := s.runner.Run(ctx, runner.Request{
			Card:      card,
			Prompt:    qaPrompt(p, subject, subjectOutput),
			Directive: opts.Directive,
			Portfolio: pOpts,
		})
		bdg.Commit(p.ID, res.TotalCostUSD)
		s.recordRoute(led, p, tier, res, bypassReason)
		s.recordExecutions(led, p, res)

		if err != nil || res.Status != runner.StatusOK {
			pr.Status = PackageFailed
			pr.Reason = "qa execution failed"
			pr.CostUSD = res.TotalCostUSD
			return pr
		}

		verdict = packager.ParseQAVerdict(res.Output)
		pr.ModelID = res.ModelID
		pr.CostUSD = res.TotalCostUSD
		pr.Run = &res

		// QA trust moves on agreement with the deterministic check.
		if s.trust != nil {
			s.trust.UpdateQA(res.ModelID, verdict.Pass == det.OK)
		}
	} else {
		verdict = packager.QAVerdict{Pass: det.OK}
		if det.OK {
			verdict.QualityScore = 0.75
		} else {
			verdict.QualityScore = 0.30
			verdict.Defects = det.Reasons
		}
		// Deterministic QA costs nothing but still lands in its bucket.
		led.AddDeterministicQACost(0)
	}

	// The subject's worker trust absorbs the QA verdict.
	if s.trust != nil && subjectResult.ModelID != "" {
		s.trust.UpdateWorker(subjectResult.ModelID, trust.WorkerSignal{
			PredictedQuality: predictedQualityFor(subjectResult, subjectResult.ModelID),
			ActualQuality:    verdict.QualityScore,
			QAPassKnown:      true,
			QAPassed:         verdict.Pass,
		})
	}

	pr.Status = PackageOK
	pr.QAVerdict = &verdict
	if !verdict.Pass {
		pr.Reason = fmt.Sprintf("QA failed for %s: %s", p.SubjectPackageID, strings.Join(verdict.Defects, "; "))
	}
	return pr
}

// portfolioOptions translates the portfolio mode into router options. For
// lock mode the allowed set is pre-filtered by role trust floor; an emptied
// set yields an immediate bypass reason and off semantics.
func (s *Scheduler) portfolioOptions(mode, role string, p *portfolio.Portfolio) (router.PortfolioOptions, string) {
	switch mode {
	case ModePrefer:
		if p == nil {
			return router.PortfolioOptions{}, ""
		}
		return router.PortfolioOptions{PreferModelIDs: dedupe(p.SlotIDs())}, ""
	case ModeLock:
		if p == nil {
			return router.PortfolioOptions{}, ledger.BypassPortfolioNotProvided
		}
		slots := dedupe(p.SlotIDs())

		var inRegistry []string
		for _, id := range slots {
			if _, ok := s.registry.Get(id); ok {
				inRegistry = append(inRegistry, id)
			}
		}
		if len(inRegistry) == 0 {
			return router.PortfolioOptions{}, ledger.BypassNoAllowedModels
		}

		floor := portfolio.DefaultWorkerTrustFloor
		trustOf := s.trust.Worker
		if role == packager.RoleQA {
			floor = portfolio.DefaultQATrustFloor
			trustOf = s.trust.QA
		}
		var trusted []string
		for _, id := range inRegistry {
			if trustOf(id) >= floor {
				trusted = append(trusted, id)
			}
		}
		if len(trusted) == 0 {
			return router.PortfolioOptions{}, ledger.BypassAllowedModelsBelowTrust
		}
		return router.PortfolioOptions{AllowedModelIDs: trusted}, ""
	default:
		return router.PortfolioOptions{}, ""
	}
}

// classifyLockFailure inspects the audit rows of the allowed set to name why
// lock enforcement emptied the candidates.
func classifyLockFailure(allowed []string, d router.Decision) string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}
	overBudget := 0
	rows := 0
	for _, c := range d.Audit.Candidates {
		if !allowedSet[c.ModelID] {
			continue
		}
		rows++
		if c.DisqualifiedReason == router.ReasonOverBudget {
			overBudget++
		}
	}
	if rows == 0 {
		return ledger.BypassNoAllowedModels
	}
	if overBudget == rows {
		return ledger.BypassAllowedModelsOverBudget
	}
	return ledger.BypassAllowedModelsBelowQual
}

// recordRoute emits the ROUTE ledger entry for one routing decision.
func (s *Scheduler) recordRoute(led *ledger.Ledger, p packager.WorkPackage, tier string, res runner.Result, bypassReason string) {
	d := res.Decision
	entry := ledger.Decision{
		Type:                  ledger.DecisionRoute,
		PackageID:             p.ID,
		TierProfile:           tier,
		ChosenModelID:         d.ChosenModelID,
		RankedBy:              d.Meta.RankedBy,
		EnforceCheapestViable: d.Meta.EnforceCheapestViable,
		RoutingCandidates:     len(d.Audit.Candidates),
		PricingMismatchCount:  s.pricingMismatches(p, d),
		CheapFirstUsed:        d.Meta.CheapFirstUsed,
	}
	if d.ExpectedCostUSD != nil {
		entry.ChosenPredictedCostUSD = *d.ExpectedCostUSD
	}
	if bypassReason != "" {
		entry.PortfolioBypassed = true
		entry.BypassReason = bypassReason
	}
	if res.Evaluation != nil && res.Evaluation.Status == "ok" {
		entry.FinalScore = res.Evaluation.Overall
		entry.TargetScore = s.cfg.Escalation.MinScoreTarget(p.Card(nil, nil))
		entry.RealizedCostUSD = res.TotalCostUSD
	}
	if aa := d.Audit.EscalationAware; aa != nil {
		entry.PrimaryBlocker = aa.PrimaryBlocker
		if aa.CheapFirstChoice != "" {
			for _, c := range d.Audit.Candidates {
				if c.ModelID == aa.NormalChoice {
					entry.NormalExpectedCostUSD = c.PredictedCostUSD
					break
				}
			}
		}
	}
	led.Record(entry)
}

// pricingMismatches counts candidates whose live cost multiplier has drifted
// away from their static pricing.
func (s *Scheduler) pricingMismatches(p packager.WorkPackage, d router.Decision) int {
	if s.variance == nil {
		return 0
	}
	n := 0
	for _, c := range d.Audit.Candidates {
		if mult, ok := s.variance.CostMultiplier(c.ModelID, p.TaskType); ok && mult != 1 {
			n++
		}
	}
	return n
}

func (s *Scheduler) recordExecutions(led *ledger.Ledger, p packager.WorkPackage, res runner.Result) {
	for _, a := range res.Attempts {
		status := "ok"
		if a.Error != "" || !a.Validation.OK {
			status = "failed"
		}
		led.RecordExecution(ledger.RoleExecution{
			Role:       p.Role,
			PackageID:  p.ID,
			ModelID:    a.ModelID,
			CostUSD:    a.CostUSD,
			DurationMs: a.LatencyMs,
			Status:     status,
		})
	}
}

// predictedQualityFor pulls the routed predicted quality for a model out of
// a package's audit rows.
func predictedQualityFor(pr PackageResult, modelID string) float64 {
	if pr.Run == nil {
		return 0
	}
	for _, c := range pr.Run.Decision.Audit.Candidates {
		if c.ModelID == modelID {
			return c.PredictedQuality
		}
	}
	return 0
}

func workerPrompt(p packager.WorkPackage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n%s\n", p.Title, p.Description)
	if len(p.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range p.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

func qaPrompt(p, subject packager.WorkPackage, subjectOutput string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the following output of task %q against its acceptance criteria.\n\n", subject.Title)
	if len(subject.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range subject.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Output under review:\n%s\n\n", subjectOutput)
	b.WriteString(`Respond with ONLY a JSON object: {"pass":true|false,"quality_score":0.0,"defects":["..."]}. quality_score is in [0,1].`)
	return b.String()
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
