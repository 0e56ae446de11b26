package waitlist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/notify"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/payments"
)

type wlFixture struct {
	mgr      *Manager
	repo     *MemoryRepository
	provider *payments.FakeProvider
	rec      *notify.Recorder
}

func newWlFixture(capacity int) *wlFixture {
	repo := NewMemoryRepository()
	provider := payments.NewFakeProvider()
	rec := &notify.Recorder{}
	repo.Offerings[1] = &models.Offering{ID: 1, TenantID: 1, Name: "Swim Level 2", Capacity: capacity}
	return &wlFixture{
		mgr:      NewManager(repo, provider, rec, DefaultClaimWindow),
		repo:     repo,
		provider: provider,
		rec:      rec,
	}
}

func (f *wlFixture) addFamily(id uint, methodRef string) {
	f.repo.Families[id] = &models.Family{
		ID: id, TenantID: 1,
		Email:            "family@example.com",
		PaymentMethodRef: methodRef,
	}
}

func (f *wlFixture) addWaitlisted(childID, familyID uint, tier string, createdAt time.Time) *models.Enrollment {
	return f.repo.AddEnrollment(&models.Enrollment{
		TenantID:     1,
		ChildID:      childID,
		FamilyID:     familyID,
		OfferingID:   1,
		State:        models.EnrollmentStateWaitlisted,
		WaitlistTier: tier,
		ActiveKey:    models.ActiveKeyFor(childID, 1),
		AmountDue:    decimal.NewFromInt(80),
		CreatedAt:    createdAt,
	})
}

func (f *wlFixture) addActive(childID, familyID uint) *models.Enrollment {
	return f.repo.AddEnrollment(&models.Enrollment{
		TenantID:   1,
		ChildID:    childID,
		FamilyID:   familyID,
		OfferingID: 1,
		State:      models.EnrollmentStateActive,
		ActiveKey:  models.ActiveKeyFor(childID, 1),
	})
}

func TestPriorityEntryAutoChargedAndPromoted(t *testing.T) {
	f := newWlFixture(1)
	f.addFamily(3, "pm_ok")
	e := f.addWaitlisted(7, 3, models.WaitlistTierPriority, time.Now())

	now := time.Now()
	require.NoError(t, f.mgr.ReleaseSeat(context.Background(), 1, 1, now))

	got, _ := f.repo.GetEnrollment(context.Background(), 1, e.ID)
	assert.Equal(t, models.EnrollmentStateActive, got.State)
	assert.True(t, got.AmountPaid.Equal(decimal.NewFromInt(80)))
	require.Len(t, f.repo.Payments, 1)
	assert.Equal(t, models.PaymentStatusSucceeded, f.repo.Payments[0].Status)
	assert.Equal(t, 1, f.rec.Count(notify.TplWaitlistPromoted))
}

func TestDeclinedPriorityEntryDroppedNextOneCharged(t *testing.T) {
	f := newWlFixture(1)
	f.addFamily(3, "pm_declines")
	f.addFamily(4, "pm_ok")
	f.provider.Script("pm_declines", payments.ChargeDeclined)

	t0 := time.Now().Add(-2 * time.Hour)
	first := f.addWaitlisted(7, 3, models.WaitlistTierPriority, t0)
	second := f.addWaitlisted(8, 4, models.WaitlistTierPriority, t0.Add(time.Minute))

	require.NoError(t, f.mgr.ReleaseSeat(context.Background(), 1, 1, time.Now()))

	got1, _ := f.repo.GetEnrollment(context.Background(), 1, first.ID)
	got2, _ := f.repo.GetEnrollment(context.Background(), 1, second.ID)
	assert.Equal(t, models.EnrollmentStateCancelled, got1.State)
	assert.Equal(t, models.EnrollmentStateActive, got2.State)
	assert.Equal(t, 1, f.rec.Count(notify.TplWaitlistChargeFail))
	assert.Equal(t, 1, f.rec.Count(notify.TplWaitlistPromoted))
}

func TestPromotionAddsToCarriedPayment(t *testing.T) {
	f := newWlFixture(1)
	f.addFamily(3, "pm_ok")
	// A transfer into a full offering carries what was already paid; the
	// promotion charges only the outstanding difference.
	e := f.repo.AddEnrollment(&models.Enrollment{
		TenantID:     1,
		ChildID:      7,
		FamilyID:     3,
		OfferingID:   1,
		State:        models.EnrollmentStateWaitlisted,
		WaitlistTier: models.WaitlistTierPriority,
		ActiveKey:    models.ActiveKeyFor(7, 1),
		AmountDue:    decimal.NewFromInt(50),
		AmountPaid:   decimal.NewFromInt(100),
		CreatedAt:    time.Now(),
	})

	require.NoError(t, f.mgr.ReleaseSeat(context.Background(), 1, 1, time.Now()))

	got, _ := f.repo.GetEnrollment(context.Background(), 1, e.ID)
	assert.Equal(t, models.EnrollmentStateActive, got.State)
	assert.True(t, got.AmountPaid.Equal(decimal.NewFromInt(150)), "paid = %s", got.AmountPaid)
	require.Len(t, f.provider.Charges, 1)
	assert.True(t, f.provider.Charges[0].Amount.Equal(decimal.NewFromInt(50)))
}

func TestRegularEntryGetsTimedOffer(t *testing.T) {
	f := newWlFixture(1)
	f.addFamily(3, "")
	e := f.addWaitlisted(7, 3, models.WaitlistTierRegular, time.Now())

	now := time.Now()
	require.NoError(t, f.mgr.ReleaseSeat(context.Background(), 1, 1, now))

	got, _ := f.repo.GetEnrollment(context.Background(), 1, e.ID)
	assert.Equal(t, models.EnrollmentStateWaitlisted, got.State)
	assert.NotEmpty(t, got.ClaimToken)
	require.NotNil(t, got.ClaimExpiresAt)
	assert.WithinDuration(t, now.Add(12*time.Hour), *got.ClaimExpiresAt, 5*time.Second)
	assert.Equal(t, 1, f.rec.Count(notify.TplWaitlistSeatOffered))

	// The open offer holds the seat.
	free, err := f.repo.FreeSeats(context.Background(), 1, 1, now)
	require.NoError(t, err)
	assert.Equal(t, 0, free)
}

func TestClaimBeforeExpiryPromotes(t *testing.T) {
	f := newWlFixture(1)
	f.addFamily(3, "pm_ok")
	e := f.addWaitlisted(7, 3, models.WaitlistTierRegular, time.Now())

	now := time.Now()
	require.NoError(t, f.mgr.ReleaseSeat(context.Background(), 1, 1, now))
	got, _ := f.repo.GetEnrollment(context.Background(), 1, e.ID)

	promoted, err := f.mgr.Claim(context.Background(), 1, e.ID, got.ClaimToken, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStateActive, promoted.State)
	require.Len(t, f.repo.Payments, 1)
}

func TestClaimValidation(t *testing.T) {
	f := newWlFixture(1)
	f.addFamily(3, "pm_ok")
	e := f.addWaitlisted(7, 3, models.WaitlistTierRegular, time.Now())

	now := time.Now()
	require.NoError(t, f.mgr.ReleaseSeat(context.Background(), 1, 1, now))
	got, _ := f.repo.GetEnrollment(context.Background(), 1, e.ID)

	_, err := f.mgr.Claim(context.Background(), 1, e.ID, "wrong-token", now)
	assert.True(t, errors.Is(err, ErrClaimInvalid))

	_, err = f.mgr.Claim(context.Background(), 1, e.ID, got.ClaimToken, now.Add(13*time.Hour))
	assert.True(t, errors.Is(err, ErrClaimExpired))
}

func TestAmbiguousClaimChargeReopensOffer(t *testing.T) {
	f := newWlFixture(1)
	f.addFamily(3, "pm_flaky")
	f.provider.Script("pm_flaky", payments.ChargeErrored)
	e := f.addWaitlisted(7, 3, models.WaitlistTierRegular, time.Now())

	now := time.Now()
	require.NoError(t, f.mgr.ReleaseSeat(context.Background(), 1, 1, now))
	offered, _ := f.repo.GetEnrollment(context.Background(), 1, e.ID)
	token := offered.ClaimToken
	expires := *offered.ClaimExpiresAt

	_, err := f.mgr.Claim(context.Background(), 1, e.ID, token, now.Add(time.Hour))
	require.Error(t, err)

	// The offer is back exactly as it was: same token, same window. The
	// seat is not wedged behind a reservation with no payment behind it.
	got, _ := f.repo.GetEnrollment(context.Background(), 1, e.ID)
	assert.Equal(t, models.EnrollmentStateWaitlisted, got.State)
	assert.Equal(t, token, got.ClaimToken)
	require.NotNil(t, got.ClaimExpiresAt)
	assert.True(t, got.ClaimExpiresAt.Equal(expires))

	// A later claim inside the original window goes through.
	promoted, err := f.mgr.Claim(context.Background(), 1, e.ID, token, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStateActive, promoted.State)
	require.Len(t, f.repo.Payments, 1)
}

func TestSeatReleaseDropsLapsedClaimEntry(t *testing.T) {
	f := newWlFixture(1)
	f.addFamily(3, "")
	f.addFamily(4, "")

	t0 := time.Now().Add(-24 * time.Hour)
	first := f.addWaitlisted(7, 3, models.WaitlistTierRegular, t0)
	second := f.addWaitlisted(8, 4, models.WaitlistTierRegular, t0.Add(time.Minute))

	// First entry holds an offer that lapsed before the expiry sweep ran.
	expired := time.Now().Add(-time.Hour)
	f.repo.Enrollments[first.ID].ClaimToken = "tok-first"
	f.repo.Enrollments[first.ID].ClaimExpiresAt = &expired

	// A seat release in that gap must not hand the lapsed entry a fresh
	// window; its turn is over and the offer moves on.
	require.NoError(t, f.mgr.ReleaseSeat(context.Background(), 1, 1, time.Now()))

	got1, _ := f.repo.GetEnrollment(context.Background(), 1, first.ID)
	got2, _ := f.repo.GetEnrollment(context.Background(), 1, second.ID)
	assert.Equal(t, models.EnrollmentStateCancelled, got1.State)
	assert.Equal(t, models.EnrollmentStateWaitlisted, got2.State)
	assert.NotEmpty(t, got2.ClaimToken)
	assert.Equal(t, 1, f.rec.Count(notify.TplWaitlistSeatOffered))
}

func TestExpiredClaimCascadesToNextEntryOnce(t *testing.T) {
	f := newWlFixture(1)
	f.addFamily(3, "")
	f.addFamily(4, "")

	t0 := time.Now().Add(-24 * time.Hour)
	first := f.addWaitlisted(7, 3, models.WaitlistTierRegular, t0)
	second := f.addWaitlisted(8, 4, models.WaitlistTierRegular, t0.Add(time.Minute))

	// First entry holds an offer that already lapsed.
	expired := time.Now().Add(-time.Hour)
	f.repo.Enrollments[first.ID].ClaimToken = "tok-first"
	f.repo.Enrollments[first.ID].ClaimExpiresAt = &expired

	now := time.Now()
	n, err := f.mgr.ExpireSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got1, _ := f.repo.GetEnrollment(context.Background(), 1, first.ID)
	got2, _ := f.repo.GetEnrollment(context.Background(), 1, second.ID)
	assert.Equal(t, models.EnrollmentStateCancelled, got1.State)
	assert.Equal(t, models.EnrollmentStateWaitlisted, got2.State)
	assert.NotEmpty(t, got2.ClaimToken)
	assert.Equal(t, 1, f.rec.Count(notify.TplWaitlistSeatOffered))

	// Re-running the sweep against the already-cascaded claim must not
	// produce a second offer.
	n, err = f.mgr.ExpireSweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, f.rec.Count(notify.TplWaitlistSeatOffered))
}

func TestNoPromotionWithoutFreeSeat(t *testing.T) {
	f := newWlFixture(1)
	f.addFamily(3, "pm_ok")
	f.addActive(6, 3)
	e := f.addWaitlisted(7, 3, models.WaitlistTierPriority, time.Now())

	require.NoError(t, f.mgr.ReleaseSeat(context.Background(), 1, 1, time.Now()))

	got, _ := f.repo.GetEnrollment(context.Background(), 1, e.ID)
	assert.Equal(t, models.EnrollmentStateWaitlisted, got.State)
	assert.Empty(t, f.provider.Charges)
}

func TestAmbiguousChargeLeavesEntryQueued(t *testing.T) {
	f := newWlFixture(1)
	f.addFamily(3, "pm_flaky")
	f.provider.Script("pm_flaky", payments.ChargeErrored)
	e := f.addWaitlisted(7, 3, models.WaitlistTierPriority, time.Now())

	require.NoError(t, f.mgr.ReleaseSeat(context.Background(), 1, 1, time.Now()))

	got, _ := f.repo.GetEnrollment(context.Background(), 1, e.ID)
	assert.Equal(t, models.EnrollmentStateWaitlisted, got.State)
	assert.Equal(t, models.WaitlistTierPriority, got.WaitlistTier)
	assert.Equal(t, 0, f.rec.Count(notify.TplWaitlistPromoted))
	assert.Equal(t, 0, f.rec.Count(notify.TplWaitlistChargeFail))
}

func TestConcurrentReleaseGrantsSeatOnce(t *testing.T) {
	f := newWlFixture(1)
	f.addFamily(3, "pm_ok")
	f.addFamily(4, "pm_ok2")
	t0 := time.Now().Add(-time.Hour)
	f.addWaitlisted(7, 3, models.WaitlistTierPriority, t0)
	f.addWaitlisted(8, 4, models.WaitlistTierPriority, t0.Add(time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.mgr.ReleaseSeat(context.Background(), 1, 1, time.Now())
		}()
	}
	wg.Wait()

	active := 0
	for _, e := range f.repo.Enrollments {
		if e.State == models.EnrollmentStateActive {
			active++
		}
	}
	assert.Equal(t, 1, active, "one seat must produce exactly one promotion")
	assert.LessOrEqual(t, len(f.repo.Payments), 1)
}
