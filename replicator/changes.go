package replicator

import "github.com/litecore-go/litecore/blip"

// ChangeEntry is one row of a "changes" message body, per spec §4.L step 3.
type ChangeEntry struct {
	DocID    string `json:"docID"`
	RevID    string `json:"revID"`
	Sequence uint64 `json:"sequence"`
	Flags    int    `json:"flags"`
	BodySize int    `json:"bodySize"`
}

// BuildChangesMessage packages entries as a "changes" BLIP request.
func BuildChangesMessage(entries []ChangeEntry) (*blip.Message, error) {
	msg := blip.NewRequest("changes")
	if err := msg.SetJSONBody(entries); err != nil {
		return nil, err
	}
	return msg, nil
}

// ParseChangesMessage is BuildChangesMessage's inverse.
func ParseChangesMessage(msg *blip.Message) ([]ChangeEntry, error) {
	var entries []ChangeEntry
	if err := msg.JSONBody(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ChangesResponse lists, by index into the original ChangeEntry slice,
// which changes the receiver wants and what ancestor revisions (if any)
// it already has for each — step 4 of the push workflow.
type ChangesResponse struct {
	Wanted    []int      `json:"wanted"`
	Ancestors [][]string `json:"ancestors,omitempty"`
}

func BuildChangesResponse(req *blip.Message, resp ChangesResponse) (*blip.Message, error) {
	out := blip.NewResponse(req)
	if err := out.SetJSONBody(resp); err != nil {
		return nil, err
	}
	return out, nil
}

func ParseChangesResponse(msg *blip.Message) (ChangesResponse, error) {
	var resp ChangesResponse
	err := msg.JSONBody(&resp)
	return resp, err
}

// RevMessage carries one revision's body in response to a requested
// change, per spec §4.L step 5.
type RevMessage struct {
	DocID    string   `json:"docID"`
	RevID    string   `json:"revID"`
	History  []string `json:"history,omitempty"`
	Body     []byte   `json:"body"`
	Deleted  bool     `json:"deleted,omitempty"`
	BlobKeys []string `json:"blobKeys,omitempty"`
}

func BuildRevMessage(rev RevMessage) (*blip.Message, error) {
	msg := blip.NewRequest("rev")
	msg.Flags |= blip.NoReply
	if err := msg.SetJSONBody(rev); err != nil {
		return nil, err
	}
	return msg, nil
}

func ParseRevMessage(msg *blip.Message) (RevMessage, error) {
	var rev RevMessage
	err := msg.JSONBody(&rev)
	return rev, err
}
