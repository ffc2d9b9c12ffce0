package ingest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/modfin/brevwatch"
	"github.com/modfin/brevwatch/internal/dao"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	deferredLine = "Apr  5 16:41:54 kedumba postfix/smtp[18733]: 39D9336AFA81: " +
		"to=<foo@bar.com>, relay=foo.bar.com[1.2.3.4]:25, delay=92780, " +
		"delays=92777/0.03/1.6/0.91, dsn=4.3.0, status=deferred " +
		"(host foo.bar.com[1.2.3.4] said: 451 4.3.0 " +
		"<bounces@planningalerts.org.au>: Temporary lookup failure " +
		"(in reply to RCPT TO command))"
	deliveredLine = "Apr  5 16:52:10 kedumba postfix/smtp[18790]: 39D9336AFA81: " +
		"to=<foo@bar.com>, relay=foo.bar.com[1.2.3.4]:25, delay=93396, " +
		"delays=93390/0.02/1.1/4.9, dsn=2.0.0, status=sent (250 2.0.0 Ok: queued as 4VB2sd0Cxz)"
	bazLine = "Apr  5 16:41:55 kedumba postfix/smtp[18733]: 39D9336AFA81: " +
		"to=<baz@bar.com>, relay=foo.bar.com[1.2.3.4]:25, delay=92781, " +
		"delays=92777/0.03/1.6/1.2, dsn=2.0.0, status=sent (250 Ok)"
	removedLine = "Apr  5 18:41:58 kedumba postfix/qmgr[2638]: 39D9336AFA81: removed"
	connectLine = "Apr  5 17:11:07 kedumba postfix/smtpd[7453]: connect from unknown[111.142.251.143]"
	bouncedLine = "Apr  5 14:21:51 kedumba postfix/smtp[2500]: 39D9336AFA81: " +
		"to=<anincorrectemailaddress@openaustralia.org>, " +
		"relay=aspmx.l.google.com[173.194.79.27]:25, delay=1, " +
		"delays=0.08/0/0.58/0.34, dsn=5.1.1, status=bounced " +
		"(host aspmx.l.google.com[173.194.79.27] said: 550-5.1.1 " +
		"The email account that you tried to reach does not exist. " +
		"zb4si15321910pbb.132 - gsmtp (in reply to RCPT TO command))"
	bannerLine  = "Oct 25 17:36:47 vps331845 postfix[6084]: Postfix is running with backwards-compatible default setting"
	timeoutLine = "Dec 21 07:41:10 localhost postfix/error[29539]: 773A9CBBC: " +
		"to=<foobar@optusnet.com.au>, relay=none, delay=334, " +
		"delays=304/31/0/0, dsn=4.4.1, status=deferred " +
		"(delivery temporarily suspended: connect to " +
		"extmail.optusnet.com.au[211.29.133.14]:25: Connection timed out)"
)

func clock() time.Time {
	return time.Date(2024, time.December, 31, 12, 0, 0, 0, time.UTC)
}

func setup(t *testing.T) (dao.DAO, *Ingester, *test.Hook) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "brevwatch.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return db, New(db, logger, WithClock(clock)), hook
}

// sent creates an email to the addresses and hands all its deliveries to postfix under queueID.
func sent(t *testing.T, db dao.DAO, createdAt time.Time, queueID string, to ...string) []dao.Delivery {
	t.Helper()
	_, deliveries, err := db.CreateEmail(dao.Email{From: "noreply@example.org", CreatedAt: createdAt}, to)
	require.NoError(t, err)
	for i := range deliveries {
		require.NoError(t, db.SetPostfixQueueID(deliveries[i].ID, queueID))
		deliveries[i].PostfixQueueID = queueID
	}
	return deliveries
}

func TestIngest_DeliveryAttempt(t *testing.T) {
	db, ing, hook := setup(t)
	deliveries := sent(t, db, clock(), "39D9336AFA81", "foo@bar.com")

	line, err := ing.Ingest(deferredLine)
	require.NoError(t, err)
	require.NotNil(t, line)

	stored, err := db.GetLogLines(deliveries[0].ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	got := stored[0]
	want := dao.PostfixLogLine{
		ID:         line.ID,
		DeliveryID: deliveries[0].ID,
		LineKey:    line.LineKey,
		Time:       time.Date(2024, time.April, 5, 16, 41, 54, 0, time.UTC),
		Program:    "smtp",
		QueueID:    "39D9336AFA81",
		Relay:      "foo.bar.com[1.2.3.4]:25",
		Delay:      "92780",
		Delays:     "92777/0.03/1.6/0.91",
		DSN:        "4.3.0",
		ExtendedStatus: "deferred (host foo.bar.com[1.2.3.4] said: 451 4.3.0 " +
			"<bounces@planningalerts.org.au>: Temporary lookup failure " +
			"(in reply to RCPT TO command))",
		CreatedAt: got.CreatedAt,
	}
	got.Time = got.Time.In(time.UTC)
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}

	status, err := ing.Status(deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, brevwatch.StatusSoftBounce, status)
	assert.Empty(t, hook.AllEntries())
}

func TestIngest_Idempotent(t *testing.T) {
	db, ing, _ := setup(t)
	deliveries := sent(t, db, clock(), "39D9336AFA81", "foo@bar.com")

	first, err := ing.Ingest(deferredLine)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := ing.Ingest(deferredLine)
	require.NoError(t, err)
	assert.Nil(t, second)

	stored, err := db.GetLogLines(deliveries[0].ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestIngest_SharedQueueID(t *testing.T) {
	db, ing, _ := setup(t)
	deliveries := sent(t, db, clock(), "39D9336AFA81", "foo@bar.com", "baz@bar.com")
	require.Len(t, deliveries, 2)

	for _, raw := range []string{deferredLine, bazLine} {
		line, err := ing.Ingest(raw)
		require.NoError(t, err)
		require.NotNil(t, line)
	}

	for _, d := range deliveries {
		stored, err := db.GetLogLines(d.ID)
		require.NoError(t, err)
		require.Len(t, stored, 1, d.Address)
	}

	foo, err := ing.Status(deliveries[0].ID)
	require.NoError(t, err)
	baz, err := ing.Status(deliveries[1].ID)
	require.NoError(t, err)
	assert.Equal(t, brevwatch.StatusSoftBounce, foo)
	assert.Equal(t, brevwatch.StatusDelivered, baz)
}

func TestIngest_MostRecentEmailWins(t *testing.T) {
	db, ing, _ := setup(t)
	older := sent(t, db, clock().Add(-48*time.Hour), "39D9336AFA81", "foo@bar.com")
	newer := sent(t, db, clock().Add(-time.Hour), "39D9336AFA81", "foo@bar.com")

	line, err := ing.Ingest(deferredLine)
	require.NoError(t, err)
	require.NotNil(t, line)
	assert.Equal(t, newer[0].ID, line.DeliveryID)

	stored, err := db.GetLogLines(older[0].ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestIngest_LatestLineDecidesStatus(t *testing.T) {
	db, ing, _ := setup(t)
	deliveries := sent(t, db, clock(), "39D9336AFA81", "foo@bar.com")

	// Out of order, as a backfill may store them.
	for _, raw := range []string{deliveredLine, deferredLine} {
		_, err := ing.Ingest(raw)
		require.NoError(t, err)
	}

	status, err := ing.Status(deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, brevwatch.StatusDelivered, status)
}

func TestIngest_Timeout(t *testing.T) {
	db, ing, _ := setup(t)
	deliveries := sent(t, db, clock(), "773A9CBBC", "foobar@optusnet.com.au")

	line, err := ing.Ingest(timeoutLine)
	require.NoError(t, err)
	require.NotNil(t, line)
	assert.Equal(t, "error", line.Program)
	assert.Equal(t, "none", line.Relay)
	assert.Equal(t, time.Date(2024, time.December, 21, 7, 41, 10, 0, time.UTC), line.Time)

	status, err := ing.Status(deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, brevwatch.StatusSoftBounce, status)
}

func TestIngest_Skips(t *testing.T) {
	type testCase struct {
		name    string
		raw     string
		outcome Outcome
		logged  string
	}
	for _, tc := range []testCase{
		{
			name:    "unknown recipient",
			raw:     bouncedLine,
			outcome: OutcomeUnknownRecipient,
			logged: "Skipping address anincorrectemailaddress@openaustralia.org from postfix queue id 39D9336AFA81 - it's not recognised: " +
				bouncedLine,
		},
		{
			name:    "unknown queue id",
			raw:     timeoutLine,
			outcome: OutcomeUnknownRecipient,
			logged:  "Skipping address foobar@optusnet.com.au from postfix queue id 773A9CBBC - it's not recognised: " + timeoutLine,
		},
		{
			name:    "unrecognised",
			raw:     bannerLine,
			outcome: OutcomeUnrecognized,
			logged:  "Skipping unrecognised line: " + bannerLine,
		},
		{
			name:    "removed",
			raw:     removedLine,
			outcome: OutcomeIgnored,
		},
		{
			name:    "connect",
			raw:     connectLine,
			outcome: OutcomeIgnored,
		},
		{
			name: "tls connection established",
			raw: "Apr  5 16:41:53 kedumba postfix/smtp[18733]: Anonymous TLS connection established to " +
				"foo.bar.com[1.2.3.4]:25: TLSv1.3 with cipher TLS_AES_256_GCM_SHA384 (256/256 bits)",
			outcome: OutcomeIgnored,
		},
		{
			name:    "ssl accept error",
			raw:     "Apr  5 17:11:08 kedumba postfix/smtpd[7453]: SSL_accept error from unknown[111.142.251.143]: lost connection",
			outcome: OutcomeIgnored,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			db, ing, hook := setup(t)
			deliveries := sent(t, db, clock(), "39D9336AFA81", "foo@bar.com")

			outcome, line, err := ing.ingest(tc.raw)
			require.NoError(t, err)
			assert.Nil(t, line)
			assert.Equal(t, tc.outcome, outcome)

			if tc.logged == "" {
				assert.Empty(t, hook.AllEntries())
			} else {
				require.Len(t, hook.AllEntries(), 1)
				assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
				assert.Equal(t, tc.logged, hook.LastEntry().Message)
			}

			stored, err := db.GetLogLines(deliveries[0].ID)
			require.NoError(t, err)
			assert.Empty(t, stored)
		})
	}
}

func TestStatus_NoLines(t *testing.T) {
	db, ing, _ := setup(t)
	deliveries := sent(t, db, clock(), "39D9336AFA81", "foo@bar.com")

	status, err := ing.Status(deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, brevwatch.StatusUnknown, status)
}
