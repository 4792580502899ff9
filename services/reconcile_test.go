package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibank-api/models"
)

func bookedTx(id, externalID string, amount int64, desc string) models.Transaction {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	return models.Transaction{
		ID:          id,
		ExternalID:  externalID,
		AmountMinor: amount,
		Currency:    "EUR",
		Status:      models.TxBooked,
		Description: desc,
		BookedAt:    day,
		Fingerprint: Fingerprint("acc-1", amount, "EUR", day, desc),
	}
}

func pendingTx(id string, amount int64, desc string) models.Transaction {
	tx := bookedTx(id, "", amount, desc)
	tx.Status = models.TxPending
	return tx
}

func TestPlanReconciliationInsertsUnknown(t *testing.T) {
	incoming := bookedTx("", "ext-1", -1000, "new purchase")
	decisions := PlanReconciliation(nil, []models.Transaction{incoming})

	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomeInsert, decisions[0].Outcome)
}

func TestPlanReconciliationIdempotent(t *testing.T) {
	// Re-syncing an unchanged batch must confirm everything and write nothing.
	existing := []models.Transaction{
		bookedTx("row-1", "ext-1", -1000, "groceries"),
		bookedTx("row-2", "ext-2", 2500, "salary"),
	}
	incoming := []models.Transaction{
		bookedTx("", "ext-1", -1000, "groceries"),
		bookedTx("", "ext-2", 2500, "salary"),
	}

	decisions := PlanReconciliation(existing, incoming)
	require.Len(t, decisions, 2)
	for _, d := range decisions {
		assert.Equal(t, OutcomeConfirm, d.Outcome)
	}
}

func TestPlanReconciliationPendingGetsBooked(t *testing.T) {
	// The bank books a pending transaction and assigns it an external id for
	// the first time. The stored row must be updated in place, not duplicated.
	existing := []models.Transaction{pendingTx("row-1", -4250, "coffee shop")}

	booked := bookedTx("", "ext-9", -4250, "coffee shop")
	decisions := PlanReconciliation(existing, []models.Transaction{booked})

	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomeUpdate, decisions[0].Outcome)
	require.NotNil(t, decisions[0].Existing)
	assert.Equal(t, "row-1", decisions[0].Existing.ID)
	assert.Equal(t, "ext-9", decisions[0].Incoming.ExternalID)
}

func TestPlanReconciliationAmountCorrection(t *testing.T) {
	existing := []models.Transaction{bookedTx("row-1", "ext-1", -1000, "dinner")}
	corrected := bookedTx("", "ext-1", -1100, "dinner")

	decisions := PlanReconciliation(existing, []models.Transaction{corrected})
	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomeUpdate, decisions[0].Outcome)
	assert.Equal(t, "row-1", decisions[0].Existing.ID)
}

func TestPlanReconciliationFingerprintClaimedOnce(t *testing.T) {
	// Two identical-looking booked transactions arrive while only one pending
	// record exists. Exactly one may claim it; the other is a genuine insert.
	existing := []models.Transaction{pendingTx("row-1", -500, "coffee")}
	incoming := []models.Transaction{
		bookedTx("", "ext-1", -500, "coffee"),
		bookedTx("", "ext-2", -500, "coffee"),
	}

	decisions := PlanReconciliation(existing, incoming)
	require.Len(t, decisions, 2)

	var updates, inserts int
	for _, d := range decisions {
		switch d.Outcome {
		case OutcomeUpdate:
			updates++
		case OutcomeInsert:
			inserts++
		}
	}
	assert.Equal(t, 1, updates)
	assert.Equal(t, 1, inserts)
}

func TestPlanReconciliationBookedNeverMatchedByFingerprint(t *testing.T) {
	// Fingerprint matching exists to catch pending records. A booked record
	// with a different external id must not be collapsed onto one that merely
	// looks the same.
	existing := []models.Transaction{bookedTx("row-1", "ext-1", -500, "coffee")}
	incoming := []models.Transaction{bookedTx("", "ext-2", -500, "coffee")}

	decisions := PlanReconciliation(existing, incoming)
	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomeInsert, decisions[0].Outcome)
}

func TestPlanReconciliationStillPendingConfirms(t *testing.T) {
	existing := []models.Transaction{pendingTx("row-1", -500, "coffee")}
	incoming := []models.Transaction{pendingTx("", -500, "coffee")}

	decisions := PlanReconciliation(existing, incoming)
	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomeConfirm, decisions[0].Outcome)
}
