package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "condfmt.v1.RuleService"

// Method names. Request and response bodies are google.protobuf.Struct
// documents with the JSON shape of the rule types.
const (
	MethodListRules       = "ListRules"
	MethodAddRule         = "AddRule"
	MethodUpdateRule      = "UpdateRule"
	MethodRemoveRule      = "RemoveRule"
	MethodReplaceAllRules = "ReplaceAllRules"
)

// FullMethod returns the "/service/method" path used by interceptors.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// RuleServiceServer is the server API for the rule service.
type RuleServiceServer interface {
	ListRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReplaceAllRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(RuleServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RuleServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(RuleServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RuleServiceDesc describes the rule service for grpc.Server.RegisterService.
var RuleServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RuleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodListRules, Handler: unaryHandler(MethodListRules, RuleServiceServer.ListRules)},
		{MethodName: MethodAddRule, Handler: unaryHandler(MethodAddRule, RuleServiceServer.AddRule)},
		{MethodName: MethodUpdateRule, Handler: unaryHandler(MethodUpdateRule, RuleServiceServer.UpdateRule)},
		{MethodName: MethodRemoveRule, Handler: unaryHandler(MethodRemoveRule, RuleServiceServer.RemoveRule)},
		{MethodName: MethodReplaceAllRules, Handler: unaryHandler(MethodReplaceAllRules, RuleServiceServer.ReplaceAllRules)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "condfmt/v1/rules.proto",
}

// RegisterRuleServiceServer registers srv on s.
func RegisterRuleServiceServer(s grpc.ServiceRegistrar, srv RuleServiceServer) {
	s.RegisterService(&RuleServiceDesc, srv)
}

// RuleServiceClient calls the rule service over a client connection.
type RuleServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRuleServiceClient wraps cc.
func NewRuleServiceClient(cc grpc.ClientConnInterface) *RuleServiceClient {
	return &RuleServiceClient{cc: cc}
}

// Call invokes method with a request body and returns the response body.
func (c *RuleServiceClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
