// command_grpc.go: gRPC exposure of the command processor
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	commandServiceName   = "pluginhost.CommandService"
	commandExecuteMethod = "/" + commandServiceName + "/Execute"
	commandField         = "command"
)

// commandExecutor is the handler type of the command service.
type commandExecutor interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// commandServiceDesc describes pluginhost.CommandService. The request is a
// Struct with a "command" string field; the response is the JSON form of
// CommandResult carried in a Struct.
var commandServiceDesc = grpc.ServiceDesc{
	ServiceName: commandServiceName,
	HandlerType: (*commandExecutor)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: commandExecuteHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pluginhost/command.proto",
}

func commandExecuteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(commandExecutor).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: commandExecuteMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(commandExecutor).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// CommandServer serves CommandProcessor over gRPC.
//
// Example usage:
//
//	server := grpc.NewServer()
//	pluginhost.NewCommandServer(pluginhost.NewCommandProcessor(manager)).Register(server)
//	_ = server.Serve(listener)
type CommandServer struct {
	processor *CommandProcessor
}

// NewCommandServer creates a server for processor.
func NewCommandServer(processor *CommandProcessor) *CommandServer {
	return &CommandServer{processor: processor}
}

// Register adds the command service to registrar.
func (s *CommandServer) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&commandServiceDesc, s)
}

// Execute runs the command carried in req.
func (s *CommandServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	line := req.GetFields()[commandField].GetStringValue()
	result, err := s.processor.Process(ctx, line)
	if err != nil {
		return nil, commandStatus(err)
	}
	out, err := toStruct(result)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func commandStatus(err error) error {
	switch {
	case HasErrorCode(err, ErrCodeInvalidCommand), HasErrorCode(err, ErrCodeUnknownCommand):
		return status.Error(codes.InvalidArgument, err.Error())
	case HasErrorCode(err, ErrCodeManagerShutdown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// CommandClient calls a remote CommandServer.
type CommandClient struct {
	cc grpc.ClientConnInterface
}

// NewCommandClient creates a client over cc.
func NewCommandClient(cc grpc.ClientConnInterface) *CommandClient {
	return &CommandClient{cc: cc}
}

// Execute sends one command line and decodes the result.
func (c *CommandClient) Execute(ctx context.Context, line string, opts ...grpc.CallOption) (CommandResult, error) {
	var result CommandResult

	req, err := structpb.NewStruct(map[string]interface{}{commandField: line})
	if err != nil {
		return result, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, commandExecuteMethod, req, out, opts...); err != nil {
		return result, err
	}

	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("decode command result: %w", err)
	}
	return result, nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}
