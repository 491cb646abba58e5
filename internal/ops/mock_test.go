package ops

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/queue"
)

// --- Pipeline Mock ---

type mockPipeline struct {
	mock.Mock
}

func (m *mockPipeline) Submit(ctx context.Context, c model.CandidateRecord) (*queue.Job, error) {
	args := m.Called(ctx, c)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.Job), args.Error(1)
}

func (m *mockPipeline) Requeue(ctx context.Context, jobID string) (*queue.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.Job), args.Error(1)
}

func (m *mockPipeline) ResolveParked(ctx context.Context, parkedID, choice string) (*model.ParkedMatch, error) {
	args := m.Called(ctx, parkedID, choice)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ParkedMatch), args.Error(1)
}

// --- Jobs Mock ---

type mockJobs struct {
	mock.Mock
}

func (m *mockJobs) Get(ctx context.Context, id string) (*queue.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.Job), args.Error(1)
}

func (m *mockJobs) List(ctx context.Context, f queue.Filter) ([]queue.Job, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]queue.Job), args.Error(1)
}

func (m *mockJobs) Depth(ctx context.Context) ([]queue.DepthRow, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]queue.DepthRow), args.Error(1)
}

// --- Reader Mock ---

type mockReader struct {
	mock.Mock
}

func (m *mockReader) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Entity), args.Error(1)
}

func (m *mockReader) EventsForEntity(ctx context.Context, entityID string) ([]model.VersionEvent, error) {
	args := m.Called(ctx, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.VersionEvent), args.Error(1)
}

func (m *mockReader) ListParked(ctx context.Context, status model.ParkedStatus, limit int) ([]model.ParkedMatch, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ParkedMatch), args.Error(1)
}

func (m *mockReader) ListRejections(ctx context.Context, limit int) ([]model.Rejection, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Rejection), args.Error(1)
}
