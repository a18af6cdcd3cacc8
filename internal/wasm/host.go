package wasm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/plaid-run/plaid/internal/domain"
	"github.com/plaid-run/plaid/internal/storage"
	"github.com/plaid-run/plaid/internal/transport"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const hostModuleName = "env"

const responseKey = "__plaid_response__"

// BuildHostModule links the fixed import table of §6 into runtime. One
// host module is instantiated per module runtime (see loader.go); every
// function pulls its per-call state from the context.Context passed by
// Invoke (runtime.go) via InvocationFromContext, rather than from closures, so
// the same binding works across every guest (spec §4.4).
func BuildHostModule(ctx context.Context, runtime wazero.Runtime) (api.Module, error) {
	b := runtime.NewHostModuleBuilder(hostModuleName)

	b.NewFunctionBuilder().WithFunc(hostFetchDataAndSource).Export("fetch_data_and_source")
	b.NewFunctionBuilder().WithFunc(hostFetchData).Export("fetch_data")
	b.NewFunctionBuilder().WithFunc(hostFetchSource).Export("fetch_source")
	b.NewFunctionBuilder().WithFunc(hostFetchAccessoryDataByName).Export("fetch_accessory_data_by_name")
	b.NewFunctionBuilder().WithFunc(hostSetResponse).Export("set_response")
	b.NewFunctionBuilder().WithFunc(hostGetResponse).Export("get_response")
	b.NewFunctionBuilder().WithFunc(hostSetErrorContext).Export("set_error_context")
	b.NewFunctionBuilder().WithFunc(hostPrintDebugString).Export("print_debug_string")
	b.NewFunctionBuilder().WithFunc(hostGetTime).Export("get_time")

	b.NewFunctionBuilder().WithFunc(hostStorageInsert).Export("storage_insert")
	b.NewFunctionBuilder().WithFunc(hostStorageGet).Export("storage_get")
	b.NewFunctionBuilder().WithFunc(hostStorageDelete).Export("storage_delete")
	b.NewFunctionBuilder().WithFunc(hostStorageListKeys).Export("storage_list_keys")

	b.NewFunctionBuilder().WithFunc(hostStorageInsertShared).Export("storage_insert_shared")
	b.NewFunctionBuilder().WithFunc(hostStorageGetShared).Export("storage_get_shared")
	b.NewFunctionBuilder().WithFunc(hostStorageDeleteShared).Export("storage_delete_shared")
	b.NewFunctionBuilder().WithFunc(hostStorageListKeysShared).Export("storage_list_keys_shared")

	b.NewFunctionBuilder().WithFunc(hostCacheInsert).Export("cache_insert")
	b.NewFunctionBuilder().WithFunc(hostCacheGet).Export("cache_get")

	b.NewFunctionBuilder().WithFunc(hostGetSecrets).Export("get_secrets")

	b.NewFunctionBuilder().WithFunc(hostLogBack).Export("log_back")
	b.NewFunctionBuilder().WithFunc(hostLogBackUnlimited).Export("log_back_unlimited")

	b.NewFunctionBuilder().WithFunc(hostMakeNamedRequest).Export("general_make_named_request")
	b.NewFunctionBuilder().WithFunc(hostRetrieveTLSCertWithSNI).Export("general_retrieve_tls_certificate_with_sni")

	return b.Instantiate(ctx)
}

// ---- memory helpers ----

func readBytes(mod api.Module, ptr, length uint32) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	return mod.Memory().Read(ptr, length)
}

func readString(mod api.Module, ptr, length uint32) (string, bool) {
	b, ok := readBytes(mod, ptr, length)
	return string(b), ok
}

// writeReturn implements the with-return-buffer convention of §4.4: a
// cap of 0 reports the required size without writing, cap < len(result)
// reports ErrReturnBufferTooSmall, otherwise result is copied into guest
// memory at retPtr and len(result) is returned.
func writeReturn(mod api.Module, result []byte, retPtr, retCap uint32) int32 {
	write, code := planReturn(result, retCap)
	if !write {
		return code
	}
	if !mod.Memory().Write(retPtr, result) {
		return int32(domain.ErrFailedToWriteGuestMem)
	}
	return code
}

func hostErrorCode(err error) int32 {
	if he, ok := err.(*domain.HostError); ok {
		return int32(he.Code)
	}
	return int32(domain.ErrInternalAPIError)
}

// ---- input and response (§4.4.1) ----

func hostFetchDataAndSource(ctx context.Context, mod api.Module, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil {
		return int32(domain.ErrInternalAPIError)
	}
	packed, err := encodeMessagePack(inv.Message)
	if err != nil {
		return int32(domain.ErrCouldNotSerialize)
	}
	return writeReturn(mod, packed, retPtr, retCap)
}

// hostFetchData returns only the message payload, for guests that do not
// need the source and want to avoid parsing the combined buffer
// fetch_data_and_source produces.
func hostFetchData(ctx context.Context, mod api.Module, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil {
		return int32(domain.ErrInternalAPIError)
	}
	return writeReturn(mod, inv.Message.Data, retPtr, retCap)
}

// hostFetchSource returns only the JSON-serialized Source.
func hostFetchSource(ctx context.Context, mod api.Module, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil {
		return int32(domain.ErrInternalAPIError)
	}
	encoded, err := json.Marshal(inv.Message.Source)
	if err != nil {
		return int32(domain.ErrCouldNotSerialize)
	}
	return writeReturn(mod, encoded, retPtr, retCap)
}

// hostFetchAccessoryDataByName looks up a single key in the message's
// accessory_data, returning a zero-length result (not an error) when the
// key is absent.
func hostFetchAccessoryDataByName(ctx context.Context, mod api.Module, namePtr, nameLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil {
		return int32(domain.ErrInternalAPIError)
	}
	name, ok := readString(mod, namePtr, nameLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	return writeReturn(mod, inv.Message.AccessoryData[name], retPtr, retCap)
}

func hostSetResponse(ctx context.Context, mod api.Module, bufPtr, bufLen uint32) {
	inv := InvocationFromContext(ctx)
	if inv == nil {
		return
	}
	b, ok := readBytes(mod, bufPtr, bufLen)
	if !ok {
		return
	}
	inv.SetResponse(b)
	if inv.Provider != nil {
		_, _, _ = inv.Provider.Insert(ctx, inv.Module.Module.Name, responseKey, inv.Response())
	}
}

func hostGetResponse(ctx context.Context, mod api.Module, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil || inv.Provider == nil {
		return int32(domain.ErrAPINotConfigured)
	}
	v, err := inv.Provider.Get(ctx, inv.Module.Module.Name, responseKey)
	if err == storage.ErrNotFound {
		return writeReturn(mod, nil, retPtr, retCap)
	}
	if err != nil {
		return int32(domain.ErrInternalAPIError)
	}
	return writeReturn(mod, v, retPtr, retCap)
}

func hostSetErrorContext(ctx context.Context, mod api.Module, bufPtr, bufLen uint32) {
	inv := InvocationFromContext(ctx)
	if inv == nil {
		return
	}
	s, ok := readString(mod, bufPtr, bufLen)
	if !ok {
		return
	}
	inv.SetErrorContext(s)
}

func hostPrintDebugString(ctx context.Context, mod api.Module, bufPtr, bufLen uint32) {
	inv := InvocationFromContext(ctx)
	if inv == nil {
		return
	}
	s, ok := readString(mod, bufPtr, bufLen)
	if !ok || inv.Debug == nil {
		return
	}
	inv.Debug.Debug(inv.Module.Module.Name, s)
}

func hostGetTime(context.Context, api.Module) uint32 {
	return uint32(time.Now().Unix())
}

// ---- private storage (§4.4.2) ----

func hostStorageInsert(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil || inv.Provider == nil {
		return int32(domain.ErrAPINotConfigured)
	}
	key, ok := readString(mod, keyPtr, keyLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	value, ok := readBytes(mod, valPtr, valLen)
	if !ok {
		return int32(domain.ErrCouldNotGetAdequateMem)
	}
	prev, had, err := inv.PrivateNamespace().Insert(ctx, key, value)
	if err != nil {
		return hostErrorCode(err)
	}
	if !had {
		prev = nil
	}
	return writeReturn(mod, prev, retPtr, retCap)
}

func hostStorageGet(ctx context.Context, mod api.Module, keyPtr, keyLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil || inv.Provider == nil {
		return int32(domain.ErrAPINotConfigured)
	}
	key, ok := readString(mod, keyPtr, keyLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	v, had, err := inv.PrivateNamespace().Get(ctx, key)
	if err != nil {
		return hostErrorCode(err)
	}
	if !had {
		v = nil
	}
	return writeReturn(mod, v, retPtr, retCap)
}

func hostStorageDelete(ctx context.Context, mod api.Module, keyPtr, keyLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil || inv.Provider == nil {
		return int32(domain.ErrAPINotConfigured)
	}
	key, ok := readString(mod, keyPtr, keyLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	v, had, err := inv.PrivateNamespace().Delete(ctx, key)
	if err != nil {
		return hostErrorCode(err)
	}
	if !had {
		v = nil
	}
	return writeReturn(mod, v, retPtr, retCap)
}

func hostStorageListKeys(ctx context.Context, mod api.Module, prefixPtr, prefixLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil || inv.Provider == nil {
		return int32(domain.ErrAPINotConfigured)
	}
	prefix, ok := readString(mod, prefixPtr, prefixLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	keys, err := inv.PrivateNamespace().ListKeys(ctx, prefix)
	if err != nil {
		return int32(domain.ErrInternalAPIError)
	}
	encoded, err := json.Marshal(keys)
	if err != nil {
		return int32(domain.ErrCouldNotSerialize)
	}
	return writeReturn(mod, encoded, retPtr, retCap)
}

// ---- shared storage (§4.4.3) ----

func sharedNamespace(inv *Invocation, mod api.Module, dbPtr, dbLen uint32) (*storage.SharedNamespace, string, int32) {
	name, ok := readString(mod, dbPtr, dbLen)
	if !ok {
		return nil, "", int32(domain.ErrParametersNotUTF8)
	}
	ns, ok := inv.Shared[name]
	if !ok {
		return nil, "", int32(domain.ErrSharedDbError)
	}
	return ns, name, 0
}

func hostStorageInsertShared(ctx context.Context, mod api.Module, dbPtr, dbLen, keyPtr, keyLen, valPtr, valLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil {
		return int32(domain.ErrAPINotConfigured)
	}
	ns, _, code := sharedNamespace(inv, mod, dbPtr, dbLen)
	if ns == nil {
		return code
	}
	if inv.Module.Module.TestMode {
		return int32(domain.ErrTestMode)
	}
	key, ok := readString(mod, keyPtr, keyLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	value, ok := readBytes(mod, valPtr, valLen)
	if !ok {
		return int32(domain.ErrCouldNotGetAdequateMem)
	}
	prev, had, err := ns.Insert(ctx, inv.Module.Module.Name, key, value)
	if err != nil {
		return hostErrorCode(err)
	}
	if !had {
		prev = nil
	}
	return writeReturn(mod, prev, retPtr, retCap)
}

func hostStorageGetShared(ctx context.Context, mod api.Module, dbPtr, dbLen, keyPtr, keyLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil {
		return int32(domain.ErrAPINotConfigured)
	}
	ns, _, code := sharedNamespace(inv, mod, dbPtr, dbLen)
	if ns == nil {
		return code
	}
	key, ok := readString(mod, keyPtr, keyLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	v, had, err := ns.Get(ctx, inv.Module.Module.Name, key)
	if err != nil {
		return hostErrorCode(err)
	}
	if !had {
		v = nil
	}
	return writeReturn(mod, v, retPtr, retCap)
}

func hostStorageDeleteShared(ctx context.Context, mod api.Module, dbPtr, dbLen, keyPtr, keyLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil {
		return int32(domain.ErrAPINotConfigured)
	}
	ns, _, code := sharedNamespace(inv, mod, dbPtr, dbLen)
	if ns == nil {
		return code
	}
	if inv.Module.Module.TestMode {
		return int32(domain.ErrTestMode)
	}
	key, ok := readString(mod, keyPtr, keyLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	v, had, err := ns.Delete(ctx, inv.Module.Module.Name, key)
	if err != nil {
		return hostErrorCode(err)
	}
	if !had {
		v = nil
	}
	return writeReturn(mod, v, retPtr, retCap)
}

func hostStorageListKeysShared(ctx context.Context, mod api.Module, dbPtr, dbLen, prefixPtr, prefixLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil {
		return int32(domain.ErrAPINotConfigured)
	}
	ns, _, code := sharedNamespace(inv, mod, dbPtr, dbLen)
	if ns == nil {
		return code
	}
	prefix, ok := readString(mod, prefixPtr, prefixLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	keys, err := ns.ListKeys(ctx, inv.Module.Module.Name, prefix)
	if err != nil {
		return hostErrorCode(err)
	}
	encoded, err := json.Marshal(keys)
	if err != nil {
		return int32(domain.ErrCouldNotSerialize)
	}
	return writeReturn(mod, encoded, retPtr, retCap)
}

// ---- cache (§4.4.4) ----

func hostCacheInsert(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil || inv.Module.Cache == nil {
		return int32(domain.ErrCacheDisabled)
	}
	key, ok := readString(mod, keyPtr, keyLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	value, ok := readString(mod, valPtr, valLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	prev, had, err := inv.Module.Cache.Insert(ctx, key, value)
	if err != nil {
		return int32(domain.ErrInternalAPIError)
	}
	if !had {
		prev = ""
	}
	return writeReturn(mod, []byte(prev), retPtr, retCap)
}

func hostCacheGet(ctx context.Context, mod api.Module, keyPtr, keyLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil || inv.Module.Cache == nil {
		return int32(domain.ErrCacheDisabled)
	}
	key, ok := readString(mod, keyPtr, keyLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	v, had, err := inv.Module.Cache.Get(ctx, key)
	if err != nil {
		return int32(domain.ErrInternalAPIError)
	}
	if !had {
		v = ""
	}
	return writeReturn(mod, []byte(v), retPtr, retCap)
}

// ---- secrets (§4.4.6) ----

func hostGetSecrets(ctx context.Context, mod api.Module, namePtr, nameLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil || inv.Secrets == nil || inv.Module.Module.SecretsGroup == "" {
		return int32(domain.ErrAPINotConfigured)
	}
	name, ok := readString(mod, namePtr, nameLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	group := inv.SecretsGroups[inv.Module.Module.SecretsGroup]
	if !group.Allows(name) {
		return int32(domain.ErrOperationNotAllowed)
	}
	v, err := inv.Secrets.Get(ctx, name)
	if err != nil {
		return int32(domain.ErrAPINotConfigured)
	}
	return writeReturn(mod, v, retPtr, retCap)
}

// ---- logback injection (§4.3, §4.4.7) ----

func hostLogBack(ctx context.Context, mod api.Module, typePtr, typeLen, dataPtr, dataLen, delay, budget uint32) int32 {
	return doLogBack(ctx, mod, typePtr, typeLen, dataPtr, dataLen, delay, domain.Limited(uint64(budget)), false)
}

func hostLogBackUnlimited(ctx context.Context, mod api.Module, typePtr, typeLen, dataPtr, dataLen, delay uint32) int32 {
	return doLogBack(ctx, mod, typePtr, typeLen, dataPtr, dataLen, delay, domain.Unlimited(), true)
}

func doLogBack(ctx context.Context, mod api.Module, typePtr, typeLen, dataPtr, dataLen, delay uint32, childBudget domain.Quota, unlimited bool) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil || inv.Scheduler == nil {
		return int32(domain.ErrAPINotConfigured)
	}
	msgType, ok := readString(mod, typePtr, typeLen)
	if !ok {
		return int32(domain.ErrParametersNotUTF8)
	}
	data, ok := readBytes(mod, dataPtr, dataLen)
	if !ok {
		return int32(domain.ErrCouldNotGetAdequateMem)
	}

	if err := inv.ReserveLogback(childBudget, unlimited); err != nil {
		return hostErrorCode(err)
	}

	child := domain.NewMessage(msgType, data, domain.NewLogbackSource(inv.Module.Module.Name), childBudget)
	dm := domain.DelayedMessage{Delay: time.Now().Unix() + int64(delay), Message: child}
	if err := inv.Scheduler.Submit(ctx, dm); err != nil {
		return int32(domain.ErrInternalAPIError)
	}
	return 0
}

// ---- named outbound request (§4.4.5) ----

type namedRequestParams struct {
	RequestName string            `json:"request_name"`
	Body        string            `json:"body"`
	Variables   map[string]string `json:"variables"`
	Headers     map[string]string `json:"headers"`
	// ResponseEncoding selects how Response.Body is serialized: "utf8" or
	// "binary" (base64), per spec §4.4.5 step 8.
	ResponseEncoding string `json:"response_encoding"`
}

type namedRequestResult struct {
	Code *int    `json:"code,omitempty"`
	Body *string `json:"body,omitempty"`
	Cert *string `json:"cert,omitempty"`
}

func hostMakeNamedRequest(ctx context.Context, mod api.Module, reqPtr, reqLen, retPtr, retCap uint32) int32 {
	inv := InvocationFromContext(ctx)
	if inv == nil || inv.Requests == nil {
		return int32(domain.ErrAPINotConfigured)
	}
	raw, ok := readBytes(mod, reqPtr, reqLen)
	if !ok {
		return int32(domain.ErrCouldNotGetAdequateMem)
	}
	var params namedRequestParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return int32(domain.ErrCouldNotSerialize)
	}

	nr, ok := inv.NamedRequests[params.RequestName]
	if !ok {
		return int32(domain.ErrOperationNotAllowed)
	}
	if !nr.AllowedFor(inv.Module.Module.Name) {
		return int32(domain.ErrOperationNotAllowed)
	}
	if inv.Module.Module.TestMode && !nr.AvailableInTestMode {
		return int32(domain.ErrTestMode)
	}

	reqCtx := ctx
	if nr.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, nr.Timeout)
		defer cancel()
	}

	resp, err := inv.Requests.Dispatch(reqCtx, nr, params.Body, params.Variables, params.Headers)
	if err != nil {
		if err == transport.ErrTimeout || err == context.DeadlineExceeded {
			return int32(domain.ErrTimeoutElapsed)
		}
		return int32(domain.ErrInternalAPIError)
	}

	result := namedRequestResult{}
	if resp.HasCode {
		result.Code = &resp.Code
	}
	if resp.HasBody {
		body := encodeResponseBody(resp.Body, params.ResponseEncoding)
		result.Body = &body
	}
	if resp.HasCert && len(resp.Certs) > 0 {
		cert := resp.Certs[0]
		result.Cert = &cert
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return int32(domain.ErrCouldNotSerialize)
	}
	return writeReturn(mod, encoded, retPtr, retCap)
}

func encodeResponseBody(body []byte, encoding string) string {
	if encoding == "binary" {
		return base64.StdEncoding.EncodeToString(body)
	}
	return string(body)
}

func retrieveCertWithSNI(ctx context.Context, hostport, sni string) ([]string, error) {
	return transport.RetrieveCertificateWithSNI(ctx, hostport, sni)
}

func hostRetrieveTLSCertWithSNI(ctx context.Context, mod api.Module, reqPtr, reqLen, retPtr, retCap uint32) int32 {
	raw, ok := readBytes(mod, reqPtr, reqLen)
	if !ok {
		return int32(domain.ErrCouldNotGetAdequateMem)
	}
	var params struct {
		HostPort string `json:"host_port"`
		SNI      string `json:"sni"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return int32(domain.ErrCouldNotSerialize)
	}

	chain, err := retrieveCertWithSNI(ctx, params.HostPort, params.SNI)
	if err != nil {
		return int32(domain.ErrInternalAPIError)
	}
	if len(chain) == 0 {
		return int32(domain.ErrInternalAPIError)
	}
	encoded, err := json.Marshal(chain)
	if err != nil {
		return int32(domain.ErrCouldNotSerialize)
	}
	return writeReturn(mod, encoded, retPtr, retCap)
}
