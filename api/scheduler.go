/*
scheduler.go - Periodic balance auditor

PURPOSE:
  Periodically recomputes every item's ledger sum and compares it with the
  cached balance. A mismatch means something wrote the balance outside
  AppendLedgerEntry; the auditor reports it and never repairs it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Audits each configured tenant in turn, item by item
  - Read-only: uses InventoryService.VerifyBalance, takes no locks

CONFIGURATION:
  - AUDIT_TENANTS:  Tenants to audit (empty disables the auditor)
  - AUDIT_INTERVAL: How often to check (default: 1 hour)

USAGE:
  auditor := NewBalanceAuditor(engine.Inventory, tenants, log)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - handlers.go: VerifyBalance endpoint (single item, on demand)
  - generic/balance.go: BalanceCheck
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/batch-engine/brewing"
	"github.com/warp/batch-engine/generic"
)

// AuditActor is the user recorded for auditor reads.
const AuditActor = "system:balance-auditor"

// AuditReport summarizes one audit pass.
type AuditReport struct {
	Tenants      int
	Checked      int
	Inconsistent []generic.BalanceCheck
	Errors       int
}

// BalanceAuditor checks cached balances against the ledger on a timer.
type BalanceAuditor struct {
	Inventory     *brewing.InventoryService
	Tenants       []generic.TenantID
	CheckInterval time.Duration
	Log           zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewBalanceAuditor creates an auditor with a one hour interval.
func NewBalanceAuditor(inv *brewing.InventoryService, tenants []generic.TenantID, log zerolog.Logger) *BalanceAuditor {
	return &BalanceAuditor{
		Inventory:     inv,
		Tenants:       tenants,
		CheckInterval: time.Hour,
		Log:           log.With().Str("component", "balance_auditor").Logger(),
	}
}

// Start begins the audit loop. It is a no-op without tenants.
func (a *BalanceAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.Tenants) == 0 {
		a.Log.Info().Msg("no tenants configured, not starting")
		return
	}
	if a.ticker != nil {
		return
	}

	a.ticker = time.NewTicker(a.CheckInterval)
	a.stop = make(chan struct{})
	a.wg.Add(1)

	go a.run()

	a.Log.Info().Dur("interval", a.CheckInterval).Int("tenants", len(a.Tenants)).Msg("started")
}

// Stop stops the audit loop and waits for an in-flight pass.
func (a *BalanceAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker != nil {
		a.ticker.Stop()
		close(a.stop)
		a.wg.Wait()
		a.ticker = nil
		a.Log.Info().Msg("stopped")
	}
}

func (a *BalanceAuditor) run() {
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.stop
		cancel()
	}()

	a.AuditOnce(ctx)

	for {
		select {
		case <-a.ticker.C:
			a.AuditOnce(ctx)
		case <-a.stop:
			return
		}
	}
}

// AuditOnce runs a single pass over every configured tenant.
func (a *BalanceAuditor) AuditOnce(ctx context.Context) AuditReport {
	var report AuditReport
	for _, tenant := range a.Tenants {
		if ctx.Err() != nil {
			break
		}
		report.Tenants++
		p := generic.Principal{TenantID: tenant, UserID: AuditActor}

		items, err := a.Inventory.ListItems(ctx, p)
		if err != nil {
			report.Errors++
			a.Log.Error().Err(err).Str("tenant", string(tenant)).Msg("list items failed")
			continue
		}
		for _, it := range items {
			check, err := a.Inventory.VerifyBalance(ctx, p, it.ID)
			if err != nil {
				report.Errors++
				a.Log.Error().Err(err).Str("tenant", string(tenant)).Str("item_id", string(it.ID)).Msg("verify failed")
				continue
			}
			report.Checked++
			if !check.Consistent {
				report.Inconsistent = append(report.Inconsistent, check)
				a.Log.Error().
					Str("tenant", string(tenant)).
					Str("item_id", string(it.ID)).
					Str("sku", it.SKU).
					Str("cached", check.Cached.String()).
					Str("ledger_sum", check.LedgerSum.String()).
					Msg("cached balance drifted from ledger")
			}
		}
	}

	a.Log.Info().
		Int("tenants", report.Tenants).
		Int("checked", report.Checked).
		Int("inconsistent", len(report.Inconsistent)).
		Int("errors", report.Errors).
		Msg("audit pass complete")
	return report
}
