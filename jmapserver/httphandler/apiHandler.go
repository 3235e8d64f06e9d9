package httphandler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/mjl-/jmapd/jmapserver/basetypes"
	"github.com/mjl-/jmapd/jmapserver/capabilitier"
	"github.com/mjl-/jmapd/jmapserver/core"
	"github.com/mjl-/jmapd/jmapserver/mailcapability"
	"github.com/mjl-/jmapd/jmapserver/mlevelerrors"
	"github.com/mjl-/jmapd/mlog"
	"github.com/mjl-/jmapd/store"
)

// Request is the top level request object for the api handler.
type Request struct {
	// Using contains the set of capability urns the client wishes to use.
	Using []string `json:"using"`

	// MethodCalls is the ordered list of method calls to process.
	MethodCalls []InvocationRequest `json:"methodCalls"`

	// CreatedIds optionally maps client-specified creation ids to
	// server-assigned ids.
	CreatedIds map[basetypes.Id]basetypes.Id `json:"createdIds"`
}

// InvocationRequest is one method call. On the wire it is a 3-tuple of name,
// arguments and method call id, handled by the custom unmarshaler, hence no
// json tags.
type InvocationRequest struct {
	Name         string
	Arguments    json.RawMessage
	MethodCallID string
}

func (inv *InvocationRequest) UnmarshalJSON(b []byte) error {
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		switch e := err.(type) {
		case *json.SyntaxError:
			return NewRequestLevelErrorNotJSON(err.Error())
		case *json.UnmarshalTypeError:
			return NewRequestLevelErrorNotRequest(fmt.Sprintf("error in %s", e.Field))
		default:
			return e
		}
	}

	var name string
	if err := json.Unmarshal(tuple[0], &name); err != nil {
		return NewRequestLevelErrorNotRequest("invocation name must be a string")
	}
	var callID string
	if err := json.Unmarshal(tuple[2], &callID); err != nil {
		return NewRequestLevelErrorNotRequest("method call id must be a string")
	}

	*inv = InvocationRequest{
		Name:         name,
		Arguments:    tuple[1],
		MethodCallID: callID,
	}
	return nil
}

// InvocationResponse mirrors InvocationRequest for responses, marshalled
// back into a 3-tuple. Failed invocations have name "error" and the method
// level error as arguments.
type InvocationResponse struct {
	Name         string
	Arguments    any
	MethodCallID string
}

func (inv InvocationResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{inv.Name, inv.Arguments, inv.MethodCallID})
}

func newErrorInvocation(callID string, mErr *mlevelerrors.MethodLevelError) InvocationResponse {
	return InvocationResponse{Name: "error", Arguments: mErr, MethodCallID: callID}
}

// Response is the top level response sent by the api handler.
type Response struct {
	MethodResponses []InvocationResponse          `json:"methodResponses"`
	CreatedIds      map[basetypes.Id]basetypes.Id `json:"createdIds,omitempty"`
	SessionState    string                        `json:"sessionState"`
}

func (r *Response) addMethodResponse(i InvocationResponse) {
	r.MethodResponses = append(r.MethodResponses, i)
}

// ResultReference references a result of an earlier method call in the same
// request, to save network round trips.
type ResultReference struct {
	// The method call id of a previous method call in the current request.
	ResultOf string `json:"resultOf"`

	// Name of the method the referenced response must have.
	Name string `json:"name"`

	// Path into the arguments of the referenced response: a JSON Pointer
	// (RFC 6901), extended with * to map through an array.
	Path string `json:"path"`
}

// SessionStater yields the current session state string for responses.
type SessionStater interface {
	SessionState() string
}

// APIHandler dispatches batched method calls. The method table is built once
// at startup and never changes.
type APIHandler struct {
	methods          map[string]capabilitier.Method
	methodCapability map[string]string // Method name to the urn that provides it.
	settings         core.CoreCapabilitySettings
	sessionStater    SessionStater
	logger           mlog.Log
}

func (ah *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if mt, _, err := mime.ParseMediaType(r.Header.Get(HeaderContentType)); err != nil || mt != HeaderContentTypeJSON {
		writeProblem(w, NewRequestLevelErrorNotJSON("content-type must be application/json"))
		return
	}
	if max := int64(ah.settings.MaxSizeRequest); max > 0 {
		if r.ContentLength > max {
			writeProblem(w, NewRequestLevelErrorLimit("maxSizeRequest", fmt.Sprintf("max request size is %d bytes", max)))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, max)
	}

	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProblem(w, NewRequestLevelErrorLimit("maxSizeRequest", fmt.Sprintf("max request size is %d bytes", ah.settings.MaxSizeRequest)))
		return
	}

	resp, problem := ah.ProcessRequest(r.Context(), accountFromContext(r.Context()), body)
	if problem != nil {
		writeProblem(w, problem)
		return
	}
	w.Header().Set(HeaderContentType, HeaderContentTypeJSON)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		ah.logger.WithContext(r.Context()).Errorx("writing api response", err)
	}
}

// ProcessRequest runs one request envelope against the method table. It is
// the shared entry point for HTTP POST bodies and websocket frames. A
// request-level problem means no method was run.
func (ah *APIHandler) ProcessRequest(ctx context.Context, acc *store.Account, body []byte) (*Response, *JSONProblem) {
	var request Request
	if err := json.Unmarshal(body, &request); err != nil {
		switch e := err.(type) {
		case *JSONProblem:
			return nil, e
		case *json.SyntaxError:
			return nil, NewRequestLevelErrorNotJSON(err.Error())
		case *json.UnmarshalTypeError:
			return nil, NewRequestLevelErrorNotRequest(fmt.Sprintf("error in %s", e.Field))
		default:
			return nil, NewRequestLevelErrorNotJSON(err.Error())
		}
	}

	if len(request.Using) == 0 || len(request.MethodCalls) == 0 {
		return nil, NewRequestLevelErrorNotRequest("'using' empty or no method calls")
	}
	using := map[string]bool{}
	for _, urn := range request.Using {
		if !capabilityURNs[urn] {
			return nil, NewRequestLevelErrorUnknownCapability(fmt.Sprintf("%s is not a known capability", urn))
		}
		using[urn] = true
	}
	if max := ah.settings.MaxCallsInRequest; max > 0 && uint(len(request.MethodCalls)) > max {
		return nil, NewRequestLevelErrorLimit("maxCallsInRequest", fmt.Sprintf("max %d calls per request", max))
	}

	// One account cache for the whole request: methods opening other accounts
	// share handles instead of opening the same account twice.
	log := ah.logger.WithContext(ctx)
	cache := &store.AccountCache{}
	defer cache.Close(log)
	ctx = context.WithValue(ctx, capabilitier.AccountCacheCtxKey, cache)

	response := &Response{
		MethodResponses: []InvocationResponse{},
		SessionState:    ah.sessionStater.SessionState(),
	}

	for _, invocation := range request.MethodCalls {
		method, ok := ah.methods[invocation.Name]
		if !ok || !using[ah.methodCapability[invocation.Name]] {
			// A method of a capability the request did not declare does not
			// exist as far as this request is concerned.
			response.addMethodResponse(newErrorInvocation(invocation.MethodCallID, mlevelerrors.NewMethodLevelErrorUnknownMethod()))
			continue
		}

		args, mErr := resolveResultReferences(invocation.Arguments, response)
		if mErr != nil {
			response.addMethodResponse(newErrorInvocation(invocation.MethodCallID, mErr))
			continue
		}

		result, mErr := method(ctx, acc, args)
		if mErr != nil {
			response.addMethodResponse(newErrorInvocation(invocation.MethodCallID, mErr))
			continue
		}
		response.addMethodResponse(InvocationResponse{
			Name:         invocation.Name,
			Arguments:    result,
			MethodCallID: invocation.MethodCallID,
		})
	}
	return response, nil
}

// capabilityURNs are the urns accepted in 'using'. The websocket urn is
// valid to declare even though it contributes no methods.
var capabilityURNs = map[string]bool{
	core.Urn:           true,
	mailcapability.URN: true,
	wsCapabilityURN:    true,
}

// resolveResultReferences substitutes all "#arg" keys in an arguments object
// with values resolved from earlier responses. The result is the arguments
// object the method actually sees.
func resolveResultReferences(args json.RawMessage, response *Response) (json.RawMessage, *mlevelerrors.MethodLevelError) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(args, &m); err != nil {
		return nil, mlevelerrors.NewMethodLevelErrorInvalidArguments("arguments must be an object")
	}

	changed := false
	for key, raw := range m {
		if !strings.HasPrefix(key, "#") {
			continue
		}
		plain := key[1:]
		if _, both := m[plain]; both {
			return nil, mlevelerrors.NewMethodLevelErrorInvalidArguments(fmt.Sprintf("cannot use %q and %q together", plain, key))
		}
		var ref ResultReference
		if err := json.Unmarshal(raw, &ref); err != nil {
			return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference(fmt.Sprintf("%s is not a result reference", key))
		}
		resolved, mErr := resolveReference(ref, response)
		if mErr != nil {
			return nil, mErr
		}
		m[plain] = resolved
		delete(m, key)
		changed = true
	}
	if !changed {
		return args, nil
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, mlevelerrors.NewMethodLevelErrorServerFail()
	}
	return out, nil
}

func resolveReference(ref ResultReference, response *Response) (json.RawMessage, *mlevelerrors.MethodLevelError) {
	for _, resp := range response.MethodResponses {
		if resp.MethodCallID != ref.ResultOf {
			continue
		}
		if resp.Name != ref.Name {
			return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference("method name does not match the referenced call")
		}
		// Pointer resolution works on the generic JSON form of the response
		// arguments.
		buf, err := json.Marshal(resp.Arguments)
		if err != nil {
			return nil, mlevelerrors.NewMethodLevelErrorServerFail()
		}
		var respArgs map[string]any
		if err := json.Unmarshal(buf, &respArgs); err != nil {
			return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference("referenced response is not an object")
		}
		return resolveJSONPointer(respArgs, ref.Path)
	}
	return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference(fmt.Sprintf("no method call id %s found in result", ref.ResultOf))
}

// resolveJSONPointer implements RFC 6901 evaluation over decoded JSON, with
// one extension: a "*" element maps the remaining single path element over
// an array, flattening array values.
func resolveJSONPointer(resp map[string]any, pointer string) (json.RawMessage, *mlevelerrors.MethodLevelError) {
	var result any = resp
	if pointer != "" {
		if !strings.HasPrefix(pointer, "/") {
			return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference("pointer must start with a forward slash")
		}
		elements := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
		for i, element := range elements {
			element = strings.ReplaceAll(element, "~1", "/")
			element = strings.ReplaceAll(element, "~0", "~")

			if element == "*" {
				arr, ok := result.([]any)
				if !ok {
					return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference("'*' does not reference an array")
				}
				if i != len(elements)-2 {
					return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference("exactly one element must follow '*'")
				}
				prop := elements[len(elements)-1]
				var mapped []any
				for _, el := range arr {
					obj, ok := el.(map[string]any)
					if !ok {
						return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference("elements in array referenced by '*' must be objects")
					}
					val, ok := obj[prop]
					if !ok {
						return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference(fmt.Sprintf("elements in array referenced by '*' do not have key %s", prop))
					}
					if valArr, ok := val.([]any); ok {
						mapped = append(mapped, valArr...)
					} else {
						mapped = append(mapped, val)
					}
				}
				result = mapped
				break
			}

			if idx, err := strconv.Atoi(element); err == nil {
				arr, ok := result.([]any)
				if !ok {
					return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference("cannot index a non-array")
				}
				if idx < 0 || idx >= len(arr) {
					return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference("array index out of bounds")
				}
				result = arr[idx]
				continue
			}

			obj, ok := result.(map[string]any)
			if !ok {
				return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference("cannot descend into a non-object")
			}
			val, ok := obj[element]
			if !ok {
				return nil, mlevelerrors.NewMethodLevelErrorInvalidResultReference(fmt.Sprintf("no key %s", element))
			}
			result = val
		}
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, mlevelerrors.NewMethodLevelErrorServerFail()
	}
	return out, nil
}
