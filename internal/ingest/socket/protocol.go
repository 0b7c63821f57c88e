package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown          Operation = 0
	OperationSubmitCommand    Operation = 1
	OperationSendStatus       Operation = 2
	OperationPing             Operation = 3
	OperationGetCommandStream Operation = 4
	OperationGetStatusHistory Operation = 5
	OperationHealth           Operation = 6
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
	ErrorCodeConflict        ErrorCode = 6
)

type SocketRequest struct {
	RequestId        string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken        string          `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation        int32           `protobuf:"varint,3,opt,name=operation,proto3"`
	SubmitCommand    *CommandMessage `protobuf:"bytes,4,opt,name=submit_command,json=submitCommand,proto3"`
	SendStatus       *StatusMessage  `protobuf:"bytes,5,opt,name=send_status,json=sendStatus,proto3"`
	GetCommandStream *StreamQuery    `protobuf:"bytes,6,opt,name=get_command_stream,json=getCommandStream,proto3"`
	GetStatusHistory *HistoryQuery   `protobuf:"bytes,7,opt,name=get_status_history,json=getStatusHistory,proto3"`
	Ping             *PingRequest    `protobuf:"bytes,8,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string           `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32            `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string           `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Receipt      *ReceiptResponse `protobuf:"bytes,4,opt,name=receipt,proto3"`
	Pong         *PongResponse    `protobuf:"bytes,5,opt,name=pong,proto3"`
	Stream       *StreamResponse  `protobuf:"bytes,6,opt,name=stream,proto3"`
	History      *HistoryResponse `protobuf:"bytes,7,opt,name=history,proto3"`
	Health       *HealthResponse  `protobuf:"bytes,8,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

// CommandMessage carries the command parameters as a JSON object.
type CommandMessage struct {
	SystemUid          string `protobuf:"bytes,1,opt,name=system_uid,json=systemUid,proto3"`
	ControlInput       string `protobuf:"bytes,2,opt,name=control_input,json=controlInput,proto3"`
	CommandId          string `protobuf:"bytes,3,opt,name=command_id,json=commandId,proto3"`
	SenderId           string `protobuf:"bytes,4,opt,name=sender_id,json=senderId,proto3"`
	IssueTimeUtcNs     int64  `protobuf:"varint,5,opt,name=issue_time_utc_ns,json=issueTimeUtcNs,proto3"`
	ActuationTimeUtcNs int64  `protobuf:"varint,6,opt,name=actuation_time_utc_ns,json=actuationTimeUtcNs,proto3"`
	ParamsJson         []byte `protobuf:"bytes,7,opt,name=params_json,json=paramsJson,proto3"`
}

func (*CommandMessage) Reset()         {}
func (*CommandMessage) String() string { return "CommandMessage" }
func (*CommandMessage) ProtoMessage()  {}

// StatusMessage carries inline result records as a JSON array.
type StatusMessage struct {
	SystemUid           string   `protobuf:"bytes,1,opt,name=system_uid,json=systemUid,proto3"`
	ControlInput        string   `protobuf:"bytes,2,opt,name=control_input,json=controlInput,proto3"`
	CommandId           string   `protobuf:"bytes,3,opt,name=command_id,json=commandId,proto3"`
	Code                string   `protobuf:"bytes,4,opt,name=code,proto3"`
	ReportTimeUtcNs     int64    `protobuf:"varint,5,opt,name=report_time_utc_ns,json=reportTimeUtcNs,proto3"`
	ExecutionBeginUtcNs int64    `protobuf:"varint,6,opt,name=execution_begin_utc_ns,json=executionBeginUtcNs,proto3"`
	ExecutionEndUtcNs   int64    `protobuf:"varint,7,opt,name=execution_end_utc_ns,json=executionEndUtcNs,proto3"`
	Progress            int32    `protobuf:"varint,8,opt,name=progress,proto3"`
	Message             string   `protobuf:"bytes,9,opt,name=message,proto3"`
	ResultsJson         []byte   `protobuf:"bytes,10,opt,name=results_json,json=resultsJson,proto3"`
	ResultLinks         []string `protobuf:"bytes,11,rep,name=result_links,json=resultLinks,proto3"`
}

func (*StatusMessage) Reset()         {}
func (*StatusMessage) String() string { return "StatusMessage" }
func (*StatusMessage) ProtoMessage()  {}

type ReceiptResponse struct {
	Accepted    bool   `protobuf:"varint,1,opt,name=accepted,proto3"`
	Duplicate   bool   `protobuf:"varint,2,opt,name=duplicate,proto3"`
	StreamKey   string `protobuf:"bytes,3,opt,name=stream_key,json=streamKey,proto3"`
	Key         string `protobuf:"bytes,4,opt,name=key,proto3"`
	PartitionId uint32 `protobuf:"varint,5,opt,name=partition_id,json=partitionId,proto3"`
}

func (*ReceiptResponse) Reset()         {}
func (*ReceiptResponse) String() string { return "ReceiptResponse" }
func (*ReceiptResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type StreamQuery struct {
	SystemUid    string `protobuf:"bytes,1,opt,name=system_uid,json=systemUid,proto3"`
	ControlInput string `protobuf:"bytes,2,opt,name=control_input,json=controlInput,proto3"`
}

func (*StreamQuery) Reset()         {}
func (*StreamQuery) String() string { return "StreamQuery" }
func (*StreamQuery) ProtoMessage()  {}

type StreamResponse struct {
	Found               bool   `protobuf:"varint,1,opt,name=found,proto3"`
	StreamKey           string `protobuf:"bytes,2,opt,name=stream_key,json=streamKey,proto3"`
	Name                string `protobuf:"bytes,3,opt,name=name,proto3"`
	ControlInput        string `protobuf:"bytes,4,opt,name=control_input,json=controlInput,proto3"`
	RecordStructureJson []byte `protobuf:"bytes,5,opt,name=record_structure_json,json=recordStructureJson,proto3"`
	ValidFromUtcNs      int64  `protobuf:"varint,6,opt,name=valid_from_utc_ns,json=validFromUtcNs,proto3"`
	ValidToUtcNs        int64  `protobuf:"varint,7,opt,name=valid_to_utc_ns,json=validToUtcNs,proto3"`
	PartitionId         uint32 `protobuf:"varint,8,opt,name=partition_id,json=partitionId,proto3"`
}

func (*StreamResponse) Reset()         {}
func (*StreamResponse) String() string { return "StreamResponse" }
func (*StreamResponse) ProtoMessage()  {}

type HistoryQuery struct {
	SystemUid    string `protobuf:"bytes,1,opt,name=system_uid,json=systemUid,proto3"`
	ControlInput string `protobuf:"bytes,2,opt,name=control_input,json=controlInput,proto3"`
	CommandId    string `protobuf:"bytes,3,opt,name=command_id,json=commandId,proto3"`
	Limit        int32  `protobuf:"varint,4,opt,name=limit,proto3"`
}

func (*HistoryQuery) Reset()         {}
func (*HistoryQuery) String() string { return "HistoryQuery" }
func (*HistoryQuery) ProtoMessage()  {}

type StatusRecord struct {
	Key             string `protobuf:"bytes,1,opt,name=key,proto3"`
	Code            string `protobuf:"bytes,2,opt,name=code,proto3"`
	ReportTimeUtcNs int64  `protobuf:"varint,3,opt,name=report_time_utc_ns,json=reportTimeUtcNs,proto3"`
	Progress        int32  `protobuf:"varint,4,opt,name=progress,proto3"`
	Message         string `protobuf:"bytes,5,opt,name=message,proto3"`
}

func (*StatusRecord) Reset()         {}
func (*StatusRecord) String() string { return "StatusRecord" }
func (*StatusRecord) ProtoMessage()  {}

type HistoryResponse struct {
	Found    bool            `protobuf:"varint,1,opt,name=found,proto3"`
	Statuses []*StatusRecord `protobuf:"bytes,2,rep,name=statuses,proto3"`
}

func (*HistoryResponse) Reset()         {}
func (*HistoryResponse) String() string { return "HistoryResponse" }
func (*HistoryResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	return nil
}
