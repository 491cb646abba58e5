package fingerprint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/locsync/internal/model"
)

func TestLoader_ProviderCalledOncePerContent(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(NewMemory())
	var calls atomic.Int32
	compute := func(context.Context) (*model.Enrichment, error) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return sample("Pantry"), nil
	}

	fp := Compute(model.CandidateRecord{RawContent: "Example Pantry 12 Oak St"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.Load(ctx, fp, compute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	e, src, err := l.Load(ctx, fp, compute)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, src)
	assert.NotNil(t, e)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoader_CacheFailureFallsBackToProvider(t *testing.T) {
	broken := new(mockCache)
	broken.On("Get", mock.Anything, "fp").Return(nil, errors.New("down"))
	broken.On("Put", mock.Anything, "fp", mock.Anything).Return(errors.New("down"))

	l := NewLoader(broken)
	e, src, err := l.Load(context.Background(), "fp", func(context.Context) (*model.Enrichment, error) {
		return sample("x"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceProvider, src)
	assert.NotNil(t, e)
}

func TestLoader_ComputeErrorNotCached(t *testing.T) {
	m := NewMemory()
	l := NewLoader(m)
	_, _, err := l.Load(context.Background(), "fp", func(context.Context) (*model.Enrichment, error) {
		return nil, errors.New("provider down")
	})
	require.Error(t, err)
	assert.Equal(t, 0, m.Len())
}
