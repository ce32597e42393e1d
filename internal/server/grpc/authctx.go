package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/metadata"

	"github.com/and161185/rxportal/internal/session"
)

type ctxKey string

const staffKey ctxKey = "rx.staff"

// WithStaff stores the authenticated staff session in context.
func WithStaff(ctx context.Context, s session.Staff) context.Context {
	return context.WithValue(ctx, staffKey, s)
}

// StaffFromCtx fetches the staff session from context.
func StaffFromCtx(ctx context.Context) (session.Staff, bool) {
	s, ok := ctx.Value(staffKey).(session.Staff)
	return s, ok
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		if t, err := session.Bearer(v); err == nil {
			return t, nil
		}
	}
	return "", errors.New("no bearer token")
}
