package api

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "couplequiz.v1.QuizService"

// QuizServiceServer is the server API for QuizService.
type QuizServiceServer interface {
	CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error)
	GetSession(ctx context.Context, req *GetSessionRequest) (*GetSessionResponse, error)
	GetActiveSession(ctx context.Context, req *GetActiveSessionRequest) (*GetActiveSessionResponse, error)
	CancelSession(ctx context.Context, req *CancelSessionRequest) (*CancelSessionResponse, error)
	GetResult(ctx context.Context, req *GetResultRequest) (*GetResultResponse, error)
	ListResults(ctx context.Context, req *ListResultsRequest) (*ListResultsResponse, error)
	NotifyPartner(ctx context.Context, req *NotifyPartnerRequest) (*NotifyPartnerResponse, error)
}

var QuizServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QuizServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateSession", QuizServiceServer.CreateSession),
		unary("GetSession", QuizServiceServer.GetSession),
		unary("GetActiveSession", QuizServiceServer.GetActiveSession),
		unary("CancelSession", QuizServiceServer.CancelSession),
		unary("GetResult", QuizServiceServer.GetResult),
		unary("ListResults", QuizServiceServer.ListResults),
		unary("NotifyPartner", QuizServiceServer.NotifyPartner),
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterQuizServiceServer(s grpc.ServiceRegistrar, srv QuizServiceServer) {
	s.RegisterService(&QuizServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(QuizServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}

			if interceptor == nil {
				return call(srv.(QuizServiceServer), ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(QuizServiceServer), ctx, req.(*Req))
			}

			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// QuizServiceClient calls QuizService with the JSON codec.
type QuizServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewQuizServiceClient(cc grpc.ClientConnInterface) *QuizServiceClient {
	return &QuizServiceClient{cc: cc}
}

func (c *QuizServiceClient) CreateSession(ctx context.Context, in *CreateSessionRequest, opts ...grpc.CallOption) (*CreateSessionResponse, error) {
	return invoke[CreateSessionResponse](ctx, c.cc, "CreateSession", in, opts)
}

func (c *QuizServiceClient) GetSession(ctx context.Context, in *GetSessionRequest, opts ...grpc.CallOption) (*GetSessionResponse, error) {
	return invoke[GetSessionResponse](ctx, c.cc, "GetSession", in, opts)
}

func (c *QuizServiceClient) GetActiveSession(ctx context.Context, in *GetActiveSessionRequest, opts ...grpc.CallOption) (*GetActiveSessionResponse, error) {
	return invoke[GetActiveSessionResponse](ctx, c.cc, "GetActiveSession", in, opts)
}

func (c *QuizServiceClient) CancelSession(ctx context.Context, in *CancelSessionRequest, opts ...grpc.CallOption) (*CancelSessionResponse, error) {
	return invoke[CancelSessionResponse](ctx, c.cc, "CancelSession", in, opts)
}

func (c *QuizServiceClient) GetResult(ctx context.Context, in *GetResultRequest, opts ...grpc.CallOption) (*GetResultResponse, error) {
	return invoke[GetResultResponse](ctx, c.cc, "GetResult", in, opts)
}

func (c *QuizServiceClient) ListResults(ctx context.Context, in *ListResultsRequest, opts ...grpc.CallOption) (*ListResultsResponse, error) {
	return invoke[ListResultsResponse](ctx, c.cc, "ListResults", in, opts)
}

func (c *QuizServiceClient) NotifyPartner(ctx context.Context, in *NotifyPartnerRequest, opts ...grpc.CallOption) (*NotifyPartnerResponse, error) {
	return invoke[NotifyPartnerResponse](ctx, c.cc, "NotifyPartner", in, opts)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}
