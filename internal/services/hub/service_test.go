package hub

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/rzbill/pushhub/internal/dispatch"
	core "github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/intake"
	"github.com/rzbill/pushhub/internal/policy"
	"github.com/rzbill/pushhub/internal/services/hub/mocks"
	"github.com/rzbill/pushhub/internal/verify"
)

type ServiceSuite struct {
	suite.Suite
	ctrl *gomock.Controller
	ctx  context.Context

	topics    *mocks.MockTopicStore
	counter   *mocks.MockSubscriberCounter
	verifier  *mocks.MockVerifier
	publisher *mocks.MockPublisher
	mailbox   *mocks.MockMailbox
	ledger    *mocks.MockLedger
	backlog   *mocks.MockBacklog
	admission *mocks.MockAdmission
	health    *mocks.MockHealthChecker

	svc *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.ctx = context.Background()
	s.topics = mocks.NewMockTopicStore(s.ctrl)
	s.counter = mocks.NewMockSubscriberCounter(s.ctrl)
	s.verifier = mocks.NewMockVerifier(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)
	s.mailbox = mocks.NewMockMailbox(s.ctrl)
	s.ledger = mocks.NewMockLedger(s.ctrl)
	s.backlog = mocks.NewMockBacklog(s.ctrl)
	s.admission = mocks.NewMockAdmission(s.ctrl)
	s.health = mocks.NewMockHealthChecker(s.ctrl)
	s.svc = New(Deps{
		Topics:      s.topics,
		Subscribers: s.counter,
		Verifier:    s.verifier,
		Publisher:   s.publisher,
		Mailbox:     s.mailbox,
		Ledger:      s.ledger,
		Backlog:     s.backlog,
		Admission:   s.admission,
		Health:      s.health,
	}, nil)
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) subscribeReq() SubscribeRequest {
	return SubscribeRequest{
		Mode:         "subscribe",
		Callback:     "HTTP://Sub.Example:80/cb",
		Topics:       []string{"http://pub.example/feed"},
		Verify:       []string{"sync,async"},
		VerifyToken:  "secret",
		LeaseSeconds: "3600",
		RequesterIP:  "10.0.0.1",
	}
}

func (s *ServiceSuite) TestSubscribeKnownTopic() {
	s.topics.EXPECT().Resolve(s.ctx, "http://pub.example/feed").Return("http://pub.example/feed", false, nil)
	s.verifier.EXPECT().Submit(s.ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, req *verify.Request) (int, error) {
			s.Equal(verify.ActionSubscribe, req.Action)
			s.Equal("http://sub.example/cb", req.Callback)
			s.Equal(3600, req.LeaseSeconds)
			s.Equal([]verify.Mode{verify.ModeSync, verify.ModeAsync}, req.Modes)
			s.Equal("secret", req.VerifyToken)
			s.Equal("10.0.0.1", req.RequesterIP)
			return http.StatusNoContent, nil
		})

	status, err := s.svc.Subscribe(s.ctx, s.subscribeReq())
	s.NoError(err)
	s.Equal(http.StatusNoContent, status)
}

func (s *ServiceSuite) TestSubscribeCreatesAdmittedTopic() {
	s.topics.EXPECT().Resolve(s.ctx, "http://pub.example/feed").Return("", false, core.ErrNotFound)
	s.admission.EXPECT().Accepts("http://pub.example/feed", policy.ModeSubscribe).Return(true)
	s.topics.EXPECT().Ensure(s.ctx, "http://pub.example/feed").Return(&core.Topic{URL: "http://pub.example/feed"}, true, nil)
	s.verifier.EXPECT().Submit(s.ctx, gomock.Any()).Return(http.StatusAccepted, nil)

	status, err := s.svc.Subscribe(s.ctx, s.subscribeReq())
	s.NoError(err)
	s.Equal(http.StatusAccepted, status)
}

func (s *ServiceSuite) TestSubscribeUnknownTopicRejected() {
	s.topics.EXPECT().Resolve(s.ctx, "http://pub.example/feed").Return("", false, core.ErrNotFound)
	s.admission.EXPECT().Accepts("http://pub.example/feed", policy.ModeSubscribe).Return(false)

	_, err := s.svc.Subscribe(s.ctx, s.subscribeReq())
	s.Equal(http.StatusNotFound, core.StatusOf(err))
}

func (s *ServiceSuite) TestSubscribeDelegateMapsToTopic() {
	req := s.subscribeReq()
	req.Topics = []string{"http://pub.example/full"}
	s.topics.EXPECT().Resolve(s.ctx, "http://pub.example/full").Return("http://pub.example/feed", true, nil)
	s.verifier.EXPECT().Submit(s.ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, r *verify.Request) (int, error) {
			s.Equal("http://pub.example/feed", r.Topic)
			return http.StatusNoContent, nil
		})

	_, err := s.svc.Subscribe(s.ctx, req)
	s.NoError(err)
}

func (s *ServiceSuite) TestSubscribeManyTopicsAggregates() {
	req := s.subscribeReq()
	req.Topics = []string{"http://a.example/", "http://b.example/", "HTTP://A.EXAMPLE"}
	s.topics.EXPECT().Resolve(s.ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, url string) (string, bool, error) { return url, false, nil }).Times(2)
	gomock.InOrder(
		s.verifier.EXPECT().Submit(s.ctx, gomock.Any()).Return(http.StatusNoContent, nil),
		s.verifier.EXPECT().Submit(s.ctx, gomock.Any()).Return(http.StatusAccepted, nil),
	)

	status, err := s.svc.Subscribe(s.ctx, req)
	s.NoError(err)
	s.Equal(http.StatusAccepted, status, "duplicates collapse; any async makes the answer 202")
}

func (s *ServiceSuite) TestSubscribeSurfacesVerificationFailure() {
	s.topics.EXPECT().Resolve(s.ctx, gomock.Any()).Return("http://pub.example/feed", false, nil)
	s.verifier.EXPECT().Submit(s.ctx, gomock.Any()).Return(0, &core.VerificationFailure{Callback: "http://sub.example/cb", Status: 404})

	_, err := s.svc.Subscribe(s.ctx, s.subscribeReq())
	s.Equal(http.StatusConflict, core.StatusOf(err))
}

func (s *ServiceSuite) TestSubscribeTokenSkipsVerifyModes() {
	req := SubscribeRequest{Mode: "subscribe", Token: "tok", Topics: []string{"http://pub.example/feed"}}
	s.topics.EXPECT().Resolve(s.ctx, gomock.Any()).Return("http://pub.example/feed", false, nil)
	s.verifier.EXPECT().Submit(s.ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, r *verify.Request) (int, error) {
			s.Equal("tok", r.Token)
			s.Empty(r.Callback)
			return http.StatusNoContent, nil
		})

	status, err := s.svc.Subscribe(s.ctx, req)
	s.NoError(err)
	s.Equal(http.StatusNoContent, status)
}

func (s *ServiceSuite) TestUnsubscribeDoesNotCreateTopics() {
	req := s.subscribeReq()
	req.Mode = "unsubscribe"
	s.topics.EXPECT().Resolve(s.ctx, gomock.Any()).Return("", false, core.ErrNotFound)
	s.verifier.EXPECT().Submit(s.ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, r *verify.Request) (int, error) {
			s.Equal(verify.ActionUnsubscribe, r.Action)
			s.Equal("http://pub.example/feed", r.Topic)
			return http.StatusNoContent, nil
		})

	_, err := s.svc.Subscribe(s.ctx, req)
	s.NoError(err)
}

func (s *ServiceSuite) TestSubscribeValidation() {
	cases := map[string]func(*SubscribeRequest){
		"bad mode":            func(r *SubscribeRequest) { r.Mode = "publish" },
		"no topic":            func(r *SubscribeRequest) { r.Topics = nil },
		"no target":           func(r *SubscribeRequest) { r.Callback = "" },
		"callback and token":  func(r *SubscribeRequest) { r.Token = "tok" },
		"ftp callback":        func(r *SubscribeRequest) { r.Callback = "ftp://sub.example/" },
		"fragment topic":      func(r *SubscribeRequest) { r.Topics = []string{"http://pub.example/#x"} },
		"bad lease":           func(r *SubscribeRequest) { r.LeaseSeconds = "soon" },
		"negative lease":      func(r *SubscribeRequest) { r.LeaseSeconds = "-5" },
		"missing verify":      func(r *SubscribeRequest) { r.Verify = nil },
		"unknown verify mode": func(r *SubscribeRequest) { r.Verify = []string{"sync,psychic"} },
	}
	for name, mutate := range cases {
		s.Run(name, func() {
			req := s.subscribeReq()
			mutate(&req)
			_, err := s.svc.Subscribe(s.ctx, req)
			s.Equal(http.StatusBadRequest, core.StatusOf(err), "%v", err)
		})
	}
}

func (s *ServiceSuite) TestPublishForwards() {
	want := &intake.Result{Scheduled: []string{"http://pub.example/feed"}}
	s.publisher.EXPECT().Publish(s.ctx, []string{"http://pub.example/feed"}).Return(want, nil)
	got, err := s.svc.Publish(s.ctx, []string{"http://pub.example/feed"})
	s.NoError(err)
	s.Same(want, got)
}

func (s *ServiceSuite) TestMailbox() {
	msgs := []*dispatch.Message{{ID: "d1-abc", Topic: "http://pub.example/feed"}}
	s.mailbox.EXPECT().List(s.ctx, "tok", defaultPollMax).Return(msgs, nil)
	s.mailbox.EXPECT().List(s.ctx, "tok", maxPollMax).Return(msgs, nil)
	s.mailbox.EXPECT().Ack(s.ctx, "tok", []string{"d1-abc"}).Return(1, nil)

	got, err := s.svc.PollMailbox(s.ctx, "tok", 0)
	s.NoError(err)
	s.Len(got, 1)
	_, err = s.svc.PollMailbox(s.ctx, "tok", 1_000_000)
	s.NoError(err)
	n, err := s.svc.AckMailbox(s.ctx, "tok", []string{"d1-abc"})
	s.NoError(err)
	s.Equal(1, n)

	_, err = s.svc.PollMailbox(s.ctx, " ", 10)
	s.Equal(http.StatusBadRequest, core.StatusOf(err))
	_, err = s.svc.AckMailbox(s.ctx, "tok", nil)
	s.Equal(http.StatusBadRequest, core.StatusOf(err))
}

func (s *ServiceSuite) TestTopicStats() {
	polled := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	s.topics.EXPECT().Resolve(s.ctx, "http://pub.example/feed").Return("http://pub.example/feed", false, nil)
	s.topics.EXPECT().Get(s.ctx, "http://pub.example/feed").Return(&core.Topic{
		URL:           "http://pub.example/feed",
		Digests:       make([]core.EntryDigest, 3),
		LastPolledAt:  polled,
		FetchFailures: 2,
	}, nil)
	s.counter.EXPECT().CountActive(s.ctx, "http://pub.example/feed", gomock.Any(), 0).Return(7, nil)
	s.backlog.EXPECT().Depth("http://pub.example/feed").Return(1, nil)

	st, err := s.svc.TopicStats(s.ctx, "http://PUB.example/feed")
	s.NoError(err)
	s.Equal(7, st.Subscribers)
	s.Equal(1, st.PendingDeltas)
	s.Equal(3, st.CachedEntries)
	s.Equal(2, st.FetchFailures)
	s.Equal(polled, st.LastPolledAt)
}

func (s *ServiceSuite) TestTopicStatsUnknown() {
	s.topics.EXPECT().Resolve(s.ctx, gomock.Any()).Return("", false, core.ErrNotFound)
	_, err := s.svc.TopicStats(s.ctx, "http://nowhere.example/")
	s.Equal(http.StatusNotFound, core.StatusOf(err))
}

func (s *ServiceSuite) TestAbandonedAndHealth() {
	since := time.Unix(0, 0)
	s.ledger.EXPECT().List(s.ctx, since, defaultListMax).Return([]*dispatch.Abandoned{{DeltaID: "d1"}}, nil)
	got, err := s.svc.Abandoned(s.ctx, since, -1)
	s.NoError(err)
	s.Len(got, 1)

	s.health.EXPECT().CheckHealth(s.ctx).Return(errors.New("disk gone"))
	s.Error(s.svc.Health(s.ctx))
}
