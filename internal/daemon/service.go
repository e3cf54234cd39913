package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the admin service. Requests
// and responses are google.protobuf.Struct documents carrying the JSON form
// of the domain types.
const ServiceName = "cadence.v1.AdminService"

// Admin RPC method names.
const (
	MethodPing   = "Ping"
	MethodStatus = "Status"
	MethodTick   = "Tick"

	MethodCreateSequence        = "CreateSequence"
	MethodCreateSequenceVersion = "CreateSequenceVersion"
	MethodGetSequence           = "GetSequence"
	MethodListSequences         = "ListSequences"
	MethodSetSequenceStatus     = "SetSequenceStatus"

	MethodRegisterTemplate   = "RegisterTemplate"
	MethodGetTemplate        = "GetTemplate"
	MethodListTemplates      = "ListTemplates"
	MethodRenderTemplate     = "RenderTemplate"
	MethodGetTemplateForUser = "GetTemplateForUser"
	MethodCreateTemplateTest = "CreateTemplateTest"

	MethodEnrollLead        = "EnrollLead"
	MethodGetEnrollment     = "GetEnrollment"
	MethodListEnrollments   = "ListEnrollments"
	MethodAdvanceEnrollment = "AdvanceEnrollment"
	MethodStopEnrollment    = "StopEnrollment"

	MethodCreateExperiment     = "CreateExperiment"
	MethodStartExperiment      = "StartExperiment"
	MethodPauseExperiment      = "PauseExperiment"
	MethodResumeExperiment     = "ResumeExperiment"
	MethodCompleteExperiment   = "CompleteExperiment"
	MethodGetExperimentResults = "GetExperimentResults"
	MethodListExperiments      = "ListExperiments"
	MethodAssignVariant        = "AssignVariant"

	MethodRecordOutcome = "RecordOutcome"
)

var methodNames = []string{
	MethodPing, MethodStatus, MethodTick,
	MethodCreateSequence, MethodCreateSequenceVersion, MethodGetSequence, MethodListSequences, MethodSetSequenceStatus,
	MethodRegisterTemplate, MethodGetTemplate, MethodListTemplates, MethodRenderTemplate, MethodGetTemplateForUser, MethodCreateTemplateTest,
	MethodEnrollLead, MethodGetEnrollment, MethodListEnrollments, MethodAdvanceEnrollment, MethodStopEnrollment,
	MethodCreateExperiment, MethodStartExperiment, MethodPauseExperiment, MethodResumeExperiment, MethodCompleteExperiment,
	MethodGetExperimentResults, MethodListExperiments, MethodAssignVariant,
	MethodRecordOutcome,
}

// FullMethod returns the gRPC path of an admin method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// AdminServer handles admin calls by method name.
type AdminServer interface {
	Handle(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*AdminServer)(nil),
		Metadata:    "cadence/v1/admin.proto",
	}
	for _, name := range methodNames {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(name),
		})
	}
	s.RegisterService(&desc, srv)
}

func unaryHandler(method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		admin := srv.(AdminServer)
		if interceptor == nil {
			return admin.Handle(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return admin.Handle(ctx, method, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// decodeStruct fills out from the JSON form of in.
func decodeStruct(in *structpb.Struct, out any) error {
	if in == nil || len(in.GetFields()) == 0 {
		return nil
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

// encodeStruct converts v, which must encode as a JSON object, to a Struct.
func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}
