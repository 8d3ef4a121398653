package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/haasonsaas/taskgate/internal/execution"
)

// Credentials resolves a bearer token or API key into a Result.
func (s *Service) Credentials(ctx context.Context, bearer, apiKey string) Result {
	if bearer != "" {
		return s.Authenticate(ctx, bearer)
	}
	if apiKey != "" {
		return s.ValidateAPIKey(apiKey)
	}
	return failed(ErrMissingCredentials)
}

// HTTPMiddleware enforces bearer/API key auth on HTTP handlers and stores the
// Result on the request context.
func HTTPMiddleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if service == nil || !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			bearer := bearerFromHeader(r.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
			result := service.Credentials(r.Context(), bearer, apiKey)
			if !result.OK() {
				if logger != nil {
					logger.Warn("authentication failed", "error", result.Err, "path", r.URL.Path)
				}
				writeUnauthorized(w, result.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithResult(r.Context(), result)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"error": execution.NewError(execution.CodePermissionDenied, message),
	})
}

// UnaryInterceptor enforces JWT/API key auth for unary calls.
func UnaryInterceptor(service *Service, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if service == nil || !service.Enabled() {
			return handler(ctx, req)
		}
		result, err := authenticateMetadata(ctx, service, logger)
		if err != nil {
			return nil, err
		}
		return handler(WithResult(ctx, result), req)
	}
}

// StreamInterceptor enforces JWT/API key auth for streaming calls.
func StreamInterceptor(service *Service, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if service == nil || !service.Enabled() {
			return handler(srv, stream)
		}
		result, err := authenticateMetadata(stream.Context(), service, logger)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: stream, ctx: WithResult(stream.Context(), result)})
	}
}

func authenticateMetadata(ctx context.Context, service *Service, logger *slog.Logger) (Result, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Result{}, status.Error(codes.Unauthenticated, "missing metadata")
	}
	result := service.Credentials(ctx, extractBearer(md), extractAPIKey(md))
	if !result.OK() {
		if logger != nil {
			logger.Warn("authentication failed", "error", result.Err)
		}
		return Result{}, status.Error(codes.Unauthenticated, result.Error())
	}
	return result, nil
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}

func bearerFromHeader(value string) string {
	lower := strings.ToLower(value)
	if strings.HasPrefix(lower, "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}

func extractBearer(md metadata.MD) string {
	for _, value := range md.Get("authorization") {
		if token := bearerFromHeader(value); token != "" {
			return token
		}
	}
	return ""
}

func extractAPIKey(md metadata.MD) string {
	for _, key := range []string{"x-api-key", "api-key"} {
		for _, value := range md.Get(key) {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
