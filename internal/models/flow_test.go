package models

import (
	"errors"
	"testing"
	"time"
)

func validFlow() FlowDefinition {
	return FlowDefinition{
		ID:       "flow-1",
		TenantID: "tenant-1",
		Trigger:  TriggerCondition{Mode: TriggerIncludesIgnoreCase, Text: "hello"},
		Nodes: []Node{
			{ID: "start", Type: NodeTypeStart},
			{ID: "greet", Type: NodeTypeText, Text: &TextPayload{Body: "Hi there!"}},
			{ID: "menu", Type: NodeTypeButton, Button: &ButtonPayload{Body: "What next?"},
				Options: []ReplyOption{{ID: "opt-more", Title: "More info"}, {ID: "opt-bye", Title: "Bye"}}},
			{ID: "more", Type: NodeTypeText, Text: &TextPayload{Body: "Here is more."}},
		},
		Edges: []Edge{
			{SourceID: "start", TargetID: "greet"},
			{SourceID: "greet", TargetID: "menu"},
			{SourceID: "menu", TargetID: "more", OptionID: "opt-more"},
		},
	}
}

func TestFlowDefinitionValidate(t *testing.T) {
	f := validFlow()
	if err := f.Validate(); err != nil {
		t.Fatalf("expected valid flow, got %v", err)
	}
}

func TestFlowDefinitionValidateStartNodeCount(t *testing.T) {
	f := validFlow()
	f.Nodes = f.Nodes[1:]
	f.Edges = nil
	if err := f.Validate(); !errors.Is(err, ErrMissingStartNode) {
		t.Errorf("expected ErrMissingStartNode, got %v", err)
	}

	f = validFlow()
	f.Nodes = append(f.Nodes, Node{ID: "start2", Type: NodeTypeStart})
	if err := f.Validate(); !errors.Is(err, ErrDuplicateStartNode) {
		t.Errorf("expected ErrDuplicateStartNode, got %v", err)
	}
}

func TestFlowDefinitionValidateStartInboundEdge(t *testing.T) {
	f := validFlow()
	f.Edges = append(f.Edges, Edge{SourceID: "more", TargetID: "start"})
	if err := f.Validate(); !errors.Is(err, ErrStartHasInboundEdge) {
		t.Errorf("expected ErrStartHasInboundEdge, got %v", err)
	}
}

func TestFlowDefinitionValidateEdges(t *testing.T) {
	f := validFlow()
	f.Edges = append(f.Edges, Edge{SourceID: "greet", TargetID: "missing"})
	if err := f.Validate(); !errors.Is(err, ErrUnknownEdgeNode) {
		t.Errorf("expected ErrUnknownEdgeNode, got %v", err)
	}

	f = validFlow()
	f.Edges = append(f.Edges, Edge{SourceID: "menu", TargetID: "more"})
	if err := f.Validate(); !errors.Is(err, ErrOptionEdgeMissing) {
		t.Errorf("expected ErrOptionEdgeMissing, got %v", err)
	}

	f = validFlow()
	f.Edges = append(f.Edges, Edge{SourceID: "menu", TargetID: "more", OptionID: "nope"})
	if err := f.Validate(); !errors.Is(err, ErrUnknownEdgeOption) {
		t.Errorf("expected ErrUnknownEdgeOption, got %v", err)
	}
}

func TestFlowDefinitionValidateButtonCap(t *testing.T) {
	f := validFlow()
	node, _ := f.NodeByID("menu")
	node.Options = []ReplyOption{
		{ID: "a", Title: "A"}, {ID: "b", Title: "B"}, {ID: "c", Title: "C"}, {ID: "d", Title: "D"},
	}
	if err := f.Validate(); !errors.Is(err, ErrTooManyButtons) {
		t.Errorf("expected ErrTooManyButtons, got %v", err)
	}
}

func TestFlowDefinitionValidateListCaps(t *testing.T) {
	sections := make([]ListSection, MaxListSections+1)
	for i := range sections {
		sections[i] = ListSection{Title: "s", Rows: []ReplyOption{{ID: "r", Title: "r"}}}
	}
	f := validFlow()
	f.Nodes = append(f.Nodes, Node{
		ID: "list", Type: NodeTypeList,
		List: &ListPayload{Body: "pick", ButtonLabel: "Open", Sections: sections},
	})
	if err := f.Validate(); !errors.Is(err, ErrTooManySections) {
		t.Errorf("expected ErrTooManySections, got %v", err)
	}
}

func TestFlowDefinitionValidateMediaNodeOptions(t *testing.T) {
	f := validFlow()
	f.Nodes = append(f.Nodes, Node{
		ID: "pic", Type: NodeTypeImage,
		Media:   &MediaPayload{MediaID: "catalog.jpg"},
		Options: []ReplyOption{{ID: "opt-a", Title: "A"}},
	})
	f.Edges = append(f.Edges, Edge{SourceID: "greet", TargetID: "pic"})

	// A media node with options is interactive: its edges need an option id.
	f.Edges = append(f.Edges, Edge{SourceID: "pic", TargetID: "more"})
	if err := f.Validate(); !errors.Is(err, ErrOptionEdgeMissing) {
		t.Errorf("expected ErrOptionEdgeMissing, got %v", err)
	}
	f.Edges[len(f.Edges)-1].OptionID = "opt-a"
	if err := f.Validate(); err != nil {
		t.Errorf("expected valid flow with keyed media edge, got %v", err)
	}

	// Without options the same media node walks straight through.
	pic, _ := f.NodeByID("pic")
	pic.Options = nil
	f.Edges[len(f.Edges)-1].OptionID = ""
	if err := f.Validate(); err != nil {
		t.Errorf("expected valid flow with plain media edge, got %v", err)
	}
}

func TestFlowDefinitionValidateAudioOptions(t *testing.T) {
	f := validFlow()
	f.Nodes = append(f.Nodes, Node{
		ID: "voice", Type: NodeTypeAudio,
		Media:   &MediaPayload{MediaID: "note.ogg"},
		Options: []ReplyOption{{ID: "opt-a", Title: "A"}},
	})
	if err := f.Validate(); !errors.Is(err, ErrAudioNodeOptions) {
		t.Errorf("expected ErrAudioNodeOptions, got %v", err)
	}
}

func TestFlowDefinitionValidateUnknownNodeType(t *testing.T) {
	f := validFlow()
	f.Nodes = append(f.Nodes, Node{ID: "weird", Type: NodeType("sticker")})
	if err := f.Validate(); !errors.Is(err, ErrUnknownNodeType) {
		t.Errorf("expected ErrUnknownNodeType, got %v", err)
	}
}

func TestNodeReplyOptionsFromListSections(t *testing.T) {
	n := Node{ID: "list", Type: NodeTypeList, List: &ListPayload{
		Body: "pick", ButtonLabel: "Open",
		Sections: []ListSection{
			{Title: "a", Rows: []ReplyOption{{ID: "r1", Title: "One"}}},
			{Title: "b", Rows: []ReplyOption{{ID: "r2", Title: "Two"}}},
		},
	}}
	opts := n.ReplyOptions()
	if len(opts) != 2 || opts[0].ID != "r1" || opts[1].ID != "r2" {
		t.Errorf("unexpected reply options: %+v", opts)
	}
}

func TestSendWindowContains(t *testing.T) {
	w := SendWindow{Start: "09:00", End: "18:00"}
	cases := []struct {
		clock string
		want  bool
	}{
		{"08:59", false},
		{"09:00", true},
		{"10:00", true},
		{"17:59", true},
		{"18:00", false},
	}
	for _, c := range cases {
		tod, err := time.Parse("15:04", c.clock)
		if err != nil {
			t.Fatalf("bad test clock %q: %v", c.clock, err)
		}
		at := time.Date(2025, 6, 1, tod.Hour(), tod.Minute(), 0, 0, time.UTC)
		if got := w.Contains(at); got != c.want {
			t.Errorf("Contains(%s) = %v, want %v", c.clock, got, c.want)
		}
	}
}

func TestCampaignValidate(t *testing.T) {
	c := CampaignDefinition{
		ID: "c1", TemplateName: "welcome", TemplateBody: "Hi {{1}}!", Kind: CampaignKindOneShot,
		Recipients: RecipientSelection{RecipientIDs: []string{"r1"}},
	}
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid one-shot campaign, got %v", err)
	}

	c.Recipients = RecipientSelection{}
	if err := c.Validate(); !errors.Is(err, ErrEmptyRecipientSet) {
		t.Errorf("expected ErrEmptyRecipientSet, got %v", err)
	}

	rec := CampaignDefinition{
		ID: "c2", TemplateName: "bday", TemplateBody: "Happy birthday {{1}}!", Kind: CampaignKindRecurring,
		WishSource: WishSourceBirthday,
		Recipients: RecipientSelection{Label: "vip"},
		SendWindow: SendWindow{Start: "09:00", End: "18:00"},
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("expected valid recurring campaign, got %v", err)
	}

	rec.SendWindow = SendWindow{Start: "18:00", End: "09:00"}
	if err := rec.Validate(); !errors.Is(err, ErrInvalidSendWindow) {
		t.Errorf("expected ErrInvalidSendWindow, got %v", err)
	}

	rec.SendWindow = SendWindow{Start: "09:00", End: "18:00"}
	rec.WishSource = WishSource("wedding")
	if err := rec.Validate(); !errors.Is(err, ErrInvalidWishSource) {
		t.Errorf("expected ErrInvalidWishSource, got %v", err)
	}
}
