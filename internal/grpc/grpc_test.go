package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func bufDialer(lis *bufconn.Listener) grpclib.DialOption {
	return grpclib.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

// fakeDirectory answers BulkUsers from a fixed table.
func fakeDirectory(t *testing.T, users map[int64]string) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpclib.NewServer(grpclib.UnknownServiceHandler(func(_ interface{}, stream grpclib.ServerStream) error {
		method, _ := grpclib.MethodFromServerStream(stream)
		if method != bulkUsersMethod {
			return status.Error(codes.Unimplemented, method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		list := []interface{}{}
		for _, v := range req.GetFields()["ids"].GetListValue().GetValues() {
			id := int64(v.GetNumberValue())
			if name, ok := users[id]; ok {
				list = append(list, map[string]interface{}{"id": id, "username": name, "role": "student"})
			}
		}
		resp, err := structpb.NewStruct(map[string]interface{}{"users": list})
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)
	return lis
}

func TestDirectoryResolvesUsernames(t *testing.T) {
	lis := fakeDirectory(t, map[int64]string{1: "ana", 2: "ben"})
	client, err := DialDirectory("passthrough:///bufnet", bufDialer(lis))
	require.NoError(t, err)
	defer client.Close()

	names, err := client.Usernames(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "ana", 2: "ben"}, names)

	empty, err := client.BulkUsers(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestHealthServerReportsServing(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	hs := NewHealthServer("messaging-service")
	go func() { _ = hs.Serve(lis) }()
	defer hs.Stop()

	conn, err := grpclib.NewClient("passthrough:///bufnet", bufDialer(lis), grpclib.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: "messaging-service"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
