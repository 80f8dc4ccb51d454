package grpc

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const bulkUsersMethod = "/directory.v1.UserDirectory/BulkUsers"

// User is a directory entry.
type User struct {
	ID       int64
	Username string
	Role     string
}

// DirectoryClient resolves user display data from the platform user directory.
// Requests and replies are protobuf Structs so no generated stubs are needed.
type DirectoryClient struct {
	conn    *grpclib.ClientConn
	timeout time.Duration
}

// DialDirectory connects to the directory service.
func DialDirectory(addr string, opts ...grpclib.DialOption) (*DirectoryClient, error) {
	opts = append([]grpclib.DialOption{
		grpclib.WithTransportCredentials(insecure.NewCredentials()),
		grpclib.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	conn, err := grpclib.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial directory: %w", err)
	}
	return &DirectoryClient{conn: conn, timeout: 3 * time.Second}, nil
}

// BulkUsers fetches multiple users in one call.
func (d *DirectoryClient) BulkUsers(ctx context.Context, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}
	values := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		values = append(values, id)
	}
	req, err := structpb.NewStruct(map[string]interface{}{"ids": values})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, bulkUsersMethod, req, resp); err != nil {
		return nil, err
	}

	entries := resp.GetFields()["users"].GetListValue().GetValues()
	users := make([]User, 0, len(entries))
	for _, entry := range entries {
		fields := entry.GetStructValue().GetFields()
		id := int64(fields["id"].GetNumberValue())
		if id == 0 {
			continue
		}
		users = append(users, User{
			ID:       id,
			Username: fields["username"].GetStringValue(),
			Role:     fields["role"].GetStringValue(),
		})
	}
	return users, nil
}

// Usernames maps user ids to usernames; unknown ids are absent.
func (d *DirectoryClient) Usernames(ctx context.Context, ids []int64) (map[int64]string, error) {
	users, err := d.BulkUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}
	return names, nil
}

func (d *DirectoryClient) Close() error {
	return d.conn.Close()
}
