package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/hive-corporation/iochub/internal/adapter/exporter"
	"github.com/hive-corporation/iochub/internal/core/domain"
	"github.com/hive-corporation/iochub/internal/core/ports"
)

// Service and method names of the IOC hub gRPC API. Requests and responses
// are well-known protobuf types, so no generated code is needed on either side.
//
//	QueryIOCs(google.protobuf.Struct) returns (google.protobuf.Struct)
//	ExportSTIX(google.protobuf.Struct) returns (google.protobuf.BytesValue)
//
// Request fields: artifact (string), since (string), types (list of string), limit (number).
const (
	IOCHubServiceName = "iochub.v1.IOCHub"
	queryIOCsMethod   = "/" + IOCHubServiceName + "/QueryIOCs"
	exportSTIXMethod  = "/" + IOCHubServiceName + "/ExportSTIX"
)

type IOCHubServer interface {
	QueryIOCs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ExportSTIX(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error)
}

// IOCHubServiceDesc describes the service for grpc.Server.RegisterService.
var IOCHubServiceDesc = grpc.ServiceDesc{
	ServiceName: IOCHubServiceName,
	HandlerType: (*IOCHubServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "QueryIOCs", Handler: queryIOCsHandler},
		{MethodName: "ExportSTIX", Handler: exportSTIXHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "iochub/v1/iochub.proto",
}

// RegisterIOCHubServer registers srv on s.
func RegisterIOCHubServer(s grpc.ServiceRegistrar, srv IOCHubServer) {
	s.RegisterService(&IOCHubServiceDesc, srv)
}

func queryIOCsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IOCHubServer).QueryIOCs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: queryIOCsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IOCHubServer).QueryIOCs(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func exportSTIXHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IOCHubServer).ExportSTIX(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: exportSTIXMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IOCHubServer).ExportSTIX(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// IOCHubClient calls the service over any client connection.
type IOCHubClient struct {
	cc grpc.ClientConnInterface
}

func NewIOCHubClient(cc grpc.ClientConnInterface) *IOCHubClient {
	return &IOCHubClient{cc: cc}
}

func (c *IOCHubClient) QueryIOCs(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, queryIOCsMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *IOCHubClient) ExportSTIX(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, exportSTIXMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type GrpcServer struct {
	repo         ports.MergeStore
	stixExporter *exporter.STIXExporter
	logger       *zap.Logger
}

func NewGrpcServer(repo ports.MergeStore, logger *zap.Logger) *GrpcServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GrpcServer{
		repo:         repo,
		stixExporter: exporter.NewSTIXExporter(repo),
		logger:       logger,
	}
}

func (s *GrpcServer) QueryIOCs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	filter, err := filterFromStruct(req, DefaultListLimit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	iocs, err := s.repo.Query(ctx, filter)
	if err != nil {
		s.logger.Error("❌ error querying IOCs", zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to query IOCs")
	}

	items := make([]interface{}, 0, len(iocs))
	for _, ioc := range iocs {
		items = append(items, iocToMap(ioc))
	}

	resp, err := structpb.NewStruct(map[string]interface{}{
		"count": len(items),
		"items": items,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return resp, nil
}

func (s *GrpcServer) ExportSTIX(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	filter, err := filterFromStruct(req, 0)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	data, err := s.stixExporter.Export(ctx, filter)
	if err != nil {
		s.logger.Error("❌ error exporting STIX", zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to export STIX bundle")
	}
	return wrapperspb.Bytes(data), nil
}

func filterFromStruct(req *structpb.Struct, defaultLimit int) (ports.Filter, error) {
	filter := ports.Filter{Limit: defaultLimit}
	if req == nil {
		return filter, nil
	}
	fields := req.GetFields()

	if v, ok := fields["artifact"]; ok {
		filter.Artifact = strings.TrimSpace(v.GetStringValue())
	}
	if v, ok := fields["since"]; ok && v.GetStringValue() != "" {
		since, err := parseSince(v.GetStringValue(), time.Now())
		if err != nil {
			return filter, err
		}
		filter.Since = &since
	}
	if v, ok := fields["types"]; ok {
		for _, t := range v.GetListValue().GetValues() {
			if s := strings.ToLower(strings.TrimSpace(t.GetStringValue())); s != "" {
				filter.Types = append(filter.Types, domain.IOCType(s))
			}
		}
	}
	if v, ok := fields["limit"]; ok {
		n := v.GetNumberValue()
		if n < 0 || n != float64(int(n)) {
			return filter, fmt.Errorf("invalid limit %v", n)
		}
		filter.Limit = int(n)
	}
	return filter, nil
}

func iocToMap(ioc domain.IOC) map[string]interface{} {
	tags := make([]interface{}, len(ioc.Tags))
	for i, t := range ioc.Tags {
		tags[i] = t
	}
	m := map[string]interface{}{
		"value":      ioc.Value,
		"type":       string(ioc.Type),
		"confidence": ioc.Confidence,
		"source":     ioc.Source,
		"artifact":   ioc.Artifact,
		"ecosystem":  ioc.Ecosystem,
		"tags":       tags,
		"first_seen": nil,
		"last_seen":  nil,
	}
	if ioc.FirstSeen != nil {
		m["first_seen"] = domain.FormatTime(ioc.FirstSeen)
	}
	if ioc.LastSeen != nil {
		m["last_seen"] = domain.FormatTime(ioc.LastSeen)
	}
	return m
}
