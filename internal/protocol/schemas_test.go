package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"assetcook.dev/internal/protocol"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// asJSON round-trips v through encoding/json so the schema sees exactly what
// goes on the wire.
func asJSON(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateMessages(t *testing.T) {
	v := protocol.Version
	cases := []struct {
		schema string
		msg    any
	}{
		{"hello.schema.json", protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: v, Platform: "Win64", ClientName: "game", MaxQueue: 16}},
		{"welcome.schema.json", protocol.WelcomeMsg{Type: protocol.TypeWelcome, ProtocolVersion: v, SessionID: "s-1", Platform: "Win64", ServerVersion: "dev"}},
		{"file_request.schema.json", protocol.FileRequestMsg{Type: protocol.TypeFileRequest, ProtocolVersion: v, ID: "r1", Filename: "Maps/Arena.upkg", IncludeData: true}},
		{"file_reply.schema.json", protocol.FileReplyMsg{
			Type: protocol.TypeFileReply, ProtocolVersion: v, ID: "r1", Filename: "Maps/Arena.upkg", Found: true,
			CookedPath: "Saved/Cooked/Win64/Content/Maps/Arena.ucook", Size: 42,
			SHA256:      "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
			Data:        []byte{1, 2, 3},
			Unsolicited: []string{"Materials/M_Rock.upkg"},
		}},
		{"file_reply.schema.json", protocol.FileReplyMsg{Type: protocol.TypeFileReply, ProtocolVersion: v, ID: "r2", Filename: "Nope.upkg"}},
		{"precooked_list_request.schema.json", protocol.PrecookedListRequestMsg{Type: protocol.TypePrecookedListRequest, ProtocolVersion: v, ID: "p1"}},
		{"precooked_list.schema.json", protocol.PrecookedListMsg{Type: protocol.TypePrecookedList, ProtocolVersion: v, ID: "p1", Platform: "Win64", Files: map[string]int64{"Maps/Arena.upkg": 1700000000}}},
		{"cook_request.schema.json", protocol.CookRequestMsg{Type: protocol.TypeCookRequest, ProtocolVersion: v, ID: "c1", Filename: "Props/Crate.upkg", Platforms: []string{"Win64", "PS4"}, ForceFront: true}},
		{"cook_ack.schema.json", protocol.CookAckMsg{Type: protocol.TypeCookAck, ProtocolVersion: v, ID: "c1", OK: false}},
		{"error.schema.json", protocol.NewError("r1", protocol.ErrUnknownPlatform, "unknown platform \"Amiga\"")},
	}
	compiled := map[string]*jsonschema.Schema{}
	for _, c := range cases {
		s, ok := compiled[c.schema]
		if !ok {
			s = compileSchema(t, c.schema)
			compiled[c.schema] = s
		}
		if err := s.Validate(asJSON(t, c.msg)); err != nil {
			t.Fatalf("%s: %v", c.schema, err)
		}
	}
}

func TestSchemas_RejectMalformed(t *testing.T) {
	fileReq := compileSchema(t, "file_request.schema.json")
	var missing any
	_ = json.Unmarshal([]byte(`{"type":"FILE_REQUEST","protocol_version":"1.0","id":"r1"}`), &missing)
	if err := fileReq.Validate(missing); err == nil {
		t.Fatalf("expected missing filename to be rejected")
	}

	hello := compileSchema(t, "hello.schema.json")
	var old any
	_ = json.Unmarshal([]byte(`{"type":"HELLO","protocol_version":"0.9","platform":"Win64"}`), &old)
	if err := hello.Validate(old); err == nil {
		t.Fatalf("expected old protocol version to be rejected")
	}

	errSchema := compileSchema(t, "error.schema.json")
	if err := errSchema.Validate(asJSON(t, protocol.NewError("", "E_WORLD_BUSY", "x"))); err == nil {
		t.Fatalf("expected unknown error code to be rejected")
	}
}
