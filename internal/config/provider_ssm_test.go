package config

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	calls   [][]string
	invalid []string
	err     error
}

func (f *fakeSSM) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.calls = append(f.calls, in.Names)
	if f.err != nil {
		return nil, f.err
	}
	out := &ssm.GetParametersOutput{InvalidParameters: f.invalid}
	for _, name := range in.Names {
		out.Parameters = append(out.Parameters, ssmtypes.Parameter{
			Name:  aws.String(name),
			Value: aws.String("value-of-" + name),
		})
	}
	return out, nil
}

func TestSSMProvider_BatchesByTen(t *testing.T) {
	client := &fakeSSM{}
	p := newSSMProviderWithClient("us-east-1", client)

	keys := make([]string, 23)
	for i := range keys {
		keys[i] = fmt.Sprintf("/prod/reminders/k%02d", i)
	}

	got, err := p.GetParametersBatch(context.Background(), keys)
	require.NoError(t, err)
	assert.Len(t, got, 23)
	assert.Equal(t, "value-of-/prod/reminders/k07", got["/prod/reminders/k07"])

	require.Len(t, client.calls, 3)
	assert.Len(t, client.calls[0], 10)
	assert.Len(t, client.calls[2], 3)
}

func TestSSMProvider_Errors(t *testing.T) {
	t.Run("invalid parameters", func(t *testing.T) {
		p := newSSMProviderWithClient("us-east-1", &fakeSSM{invalid: []string{"/missing"}})
		_, err := p.GetParametersBatch(context.Background(), []string{"/missing"})
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("api failure", func(t *testing.T) {
		boom := errors.New("access denied")
		p := newSSMProviderWithClient("us-east-1", &fakeSSM{err: boom})
		_, err := p.GetParametersBatch(context.Background(), []string{"/a"})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := newSSMProviderWithClient("us-east-1", &fakeSSM{})
		_, err := p.GetParametersBatch(ctx, []string{"/a"})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("empty keys", func(t *testing.T) {
		got, err := NewSSMProvider("us-east-1").GetParametersBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
