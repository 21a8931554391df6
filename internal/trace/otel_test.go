package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderParamsFromConfigLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		want    providerParams
		wantErr error
	}{
		{
			name: "default",
			line: "otel",
			want: defaultProviderParams(),
		},
		{
			name: "grpc_endpoint",
			line: "otel=collector:4317,header.Authorization=token abc",
			want: providerParams{
				proto:    "grpc",
				endpoint: "collector:4317",
				insecure: true,
				headers:  map[string]string{"Authorization": "token abc"},
			},
		},
		{
			name: "http_url",
			line: "otel=https://collector:4318/v1/traces",
			want: providerParams{
				proto:    "http",
				endpoint: "collector:4318",
				urlPath:  "/v1/traces",
				insecure: false,
				headers:  map[string]string{},
			},
		},
		{
			name:    "unknown_output",
			line:    "jaeger=localhost:6831",
			wantErr: ErrInvalidTracesOutput,
		},
		{
			name:    "bad_proto",
			line:    "otel=collector:4317,proto=udp",
			wantErr: ErrInvalidProto,
		},
		{
			name:    "bad_scheme",
			line:    "otel=ftp://collector/v1/traces",
			wantErr: ErrInvalidURLScheme,
		},
		{
			name:    "grpc_with_path",
			line:    "otel=http://collector:4318/v1/traces,proto=grpc",
			wantErr: ErrInvalidGRPCWithURLPath,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := providerParamsFromConfigLine(tt.line)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTracerProviderFromConfigLineNone(t *testing.T) {
	t.Parallel()

	for _, line := range []string{"", "none"} {
		tp, err := TracerProviderFromConfigLine(context.Background(), line)
		require.NoError(t, err)
		_, span := tp.Tracer("test").Start(context.Background(), "noop")
		assert.False(t, span.SpanContext().IsValid())
		span.End()
		require.NoError(t, tp.Shutdown(context.Background()))
	}

	_, err := TracerProviderFromConfigLine(context.Background(), "zipkin")
	require.ErrorIs(t, err, ErrInvalidTracesOutput)
}
