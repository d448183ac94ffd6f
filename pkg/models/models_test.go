package models_test

import (
	"testing"
	"time"

	"github.com/oxzoid/gatewaycore/pkg/models"
	"github.com/oxzoid/gatewaycore/pkg/money"
)

func TestFeeScheduleApplyComputesPercentPlusFixed(t *testing.T) {
	amount, _ := money.New("1000")
	fixed, _ := money.New("1")
	schedule := models.FeeSchedule{PercentBps: 150, Fixed: fixed} // 1.5%

	fee := schedule.Apply(amount)
	if fee.String() != "16" {
		t.Fatalf("expected fee 16 (1000*0.015 + 1), got %s", fee.String())
	}
}

func TestFeeScheduleApplyWithZeroPercent(t *testing.T) {
	amount, _ := money.New("500")
	fixed, _ := money.New("2.5")
	schedule := models.FeeSchedule{PercentBps: 0, Fixed: fixed}

	fee := schedule.Apply(amount)
	if fee.String() != "2.5" {
		t.Fatalf("expected fee 2.5, got %s", fee.String())
	}
}

func TestMerchantIsActive(t *testing.T) {
	active := models.Merchant{Status: models.MerchantActive}
	if !active.IsActive() {
		t.Fatal("expected an ACTIVE merchant to be active")
	}
	suspended := models.Merchant{Status: models.MerchantSuspended}
	if suspended.IsActive() {
		t.Fatal("expected a SUSPENDED merchant not to be active")
	}
}

func TestMerchantIPAllowedEmptyWhitelistAllowsAll(t *testing.T) {
	m := models.Merchant{}
	if !m.IPAllowed("203.0.113.5") {
		t.Fatal("expected an empty whitelist to allow any IP")
	}
}

func TestMerchantIPAllowedHonorsWhitelist(t *testing.T) {
	m := models.Merchant{IPWhitelist: []string{"203.0.113.5", "198.51.100.1"}}
	if !m.IPAllowed("203.0.113.5") {
		t.Fatal("expected a whitelisted IP to be allowed")
	}
	if m.IPAllowed("10.0.0.1") {
		t.Fatal("expected a non-whitelisted IP to be rejected")
	}
}

func TestIsTerminalClassifiesEndStates(t *testing.T) {
	terminalStates := []models.TransactionStatus{models.TxCompleted, models.TxExpired, models.TxFailed}
	for _, s := range terminalStates {
		if !models.IsTerminal(s) {
			t.Fatalf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []models.TransactionStatus{models.TxPending, models.TxConfirming, models.TxConfirmed, models.TxSettled, models.TxUnderpaid}
	for _, s := range nonTerminal {
		if models.IsTerminal(s) {
			t.Fatalf("expected %s not to be terminal", s)
		}
	}
}

func TestIdempotencyKeyDone(t *testing.T) {
	pending := models.IdempotencyKey{}
	if pending.Done() {
		t.Fatal("expected an IdempotencyKey with no CompletedAt to be not-done")
	}
	now := time.Now()
	completed := models.IdempotencyKey{CompletedAt: &now}
	if !completed.Done() {
		t.Fatal("expected an IdempotencyKey with CompletedAt set to be done")
	}
}

func TestAllEventsCoversEveryDeclaredEvent(t *testing.T) {
	declared := []models.EventName{
		models.EventPaymentReceived, models.EventPaymentConfirmed, models.EventPaymentCompleted,
		models.EventPaymentFailed, models.EventPaymentUnderpaid, models.EventAddressCreated,
		models.EventAddressExpired, models.EventSettlementCompleted, models.EventTransactionSettled,
		models.EventRefundInitiated, models.EventRefundCompleted, models.EventRefundFailed,
		models.EventPayoutInitiated, models.EventPayoutProcessing, models.EventPayoutCompleted,
		models.EventPayoutFailed,
	}
	for _, e := range declared {
		if !models.AllEvents[e] {
			t.Fatalf("expected %s to be present in AllEvents", e)
		}
	}
	if len(models.AllEvents) != len(declared) {
		t.Fatalf("expected AllEvents to contain exactly %d entries, got %d", len(declared), len(models.AllEvents))
	}
}
