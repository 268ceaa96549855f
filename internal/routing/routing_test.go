package routing

import (
	"reflect"
	"sort"
	"testing"
)

type fakeOnline struct {
	ids    []string
	allIDs []string
}

func (f *fakeOnline) OnlineIDs() []string {
	return f.ids
}

func (f *fakeOnline) AllIDs() []string {
	if f.allIDs != nil {
		return f.allIDs
	}
	return f.ids
}

func sortedStrings(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestSetRouteAndGetRoutes(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002"}}
	e := New(online, 0)

	e.SetRoute("001", "002")
	got := e.GetRoutes("001")
	if !reflect.DeepEqual(sortedStrings(got), []string{"002"}) {
		t.Errorf("GetRoutes(001) = %v, want [002]", got)
	}
}

func TestSelfRoutingEcho(t *testing.T) {
	online := &fakeOnline{ids: []string{"001"}}
	e := New(online, 0)

	e.SetRoute("001", "001")
	got := e.GetRoutes("001")
	if !reflect.DeepEqual(got, []string{"001"}) {
		t.Errorf("GetRoutes(001) = %v, want [001] (self-echo)", got)
	}
}

func TestMuteTakesPriorityOverBroadcastAndRoutes(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002"}}
	e := New(online, 0)

	e.SetRoute("001", "002")
	e.EnableBroadcast("001")
	e.Mute("001")

	got := e.GetRoutes("001")
	if len(got) != 0 {
		t.Errorf("GetRoutes(001) = %v, want empty (muted)", got)
	}
}

func TestBroadcastExcludesSelfAndMuted(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002", "003"}}
	e := New(online, 0)

	e.EnableBroadcast("001")
	e.Mute("003")

	got := sortedStrings(e.GetRoutes("001"))
	if !reflect.DeepEqual(got, []string{"002"}) {
		t.Errorf("GetRoutes(001) = %v, want [002]", got)
	}
}

func TestDisableBroadcastFallsBackToExplicitRoutes(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002", "003"}}
	e := New(online, 0)

	e.EnableBroadcast("001")
	e.SetRoute("001", "002")
	e.DisableBroadcast("001")

	got := sortedStrings(e.GetRoutes("001"))
	if !reflect.DeepEqual(got, []string{"002"}) {
		t.Errorf("GetRoutes(001) = %v, want [002]", got)
	}
}

func TestSetMultipleRoutesReplaces(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002", "003"}}
	e := New(online, 0)

	e.SetRoute("001", "002")
	e.SetMultipleRoutes("001", []string{"003"})

	got := e.GetRoutes("001")
	if !reflect.DeepEqual(got, []string{"003"}) {
		t.Errorf("GetRoutes(001) = %v, want [003]", got)
	}
}

func TestRemoveRouteDeletesEmptyEntry(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002"}}
	e := New(online, 0)

	e.SetRoute("001", "002")
	e.RemoveRoute("001", "002")

	got := e.GetRoutes("001")
	if len(got) != 0 {
		t.Errorf("GetRoutes(001) = %v, want empty", got)
	}
}

func TestClearRoutes(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002", "003"}}
	e := New(online, 0)

	e.SetMultipleRoutes("001", []string{"002", "003"})
	e.ClearRoutes("001")

	got := e.GetRoutes("001")
	if len(got) != 0 {
		t.Errorf("GetRoutes(001) = %v, want empty", got)
	}
}

func TestCreateBidirectional(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002"}}
	e := New(online, 0)

	e.CreateBidirectional("001", "002")

	if got := e.GetRoutes("001"); !reflect.DeepEqual(got, []string{"002"}) {
		t.Errorf("GetRoutes(001) = %v, want [002]", got)
	}
	if got := e.GetRoutes("002"); !reflect.DeepEqual(got, []string{"001"}) {
		t.Errorf("GetRoutes(002) = %v, want [001]", got)
	}
}

func TestCreateConference(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002", "003"}}
	e := New(online, 0)

	if _, err := e.CreateConference([]string{"001", "002", "003"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, id := range []string{"001", "002", "003"} {
		got := sortedStrings(e.GetRoutes(id))
		want := sortedStrings(without([]string{"001", "002", "003"}, id))
		if !reflect.DeepEqual(got, want) {
			t.Errorf("GetRoutes(%s) = %v, want %v", id, got, want)
		}
	}
}

func without(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids)-1)
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func TestCreateConferenceExceedsMaxGroupSize(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002", "003"}}
	e := New(online, 2)

	if _, err := e.CreateConference([]string{"001", "002", "003"}); err == nil {
		t.Fatal("expected error for conference exceeding max group size")
	}
}

func TestRoutingMatrixIncludesOnlineAndRoutedIDs(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002"}}
	e := New(online, 0)
	e.SetRoute("001", "002")

	matrix := e.RoutingMatrix()
	byID := make(map[string]DeviceRoutes)
	for _, d := range matrix {
		byID[d.ID] = d
	}

	d, ok := byID["001"]
	if !ok {
		t.Fatal("expected 001 in routing matrix")
	}
	if !d.Online {
		t.Error("expected 001 to be online")
	}
	if !reflect.DeepEqual(d.Routes, []string{"002"}) {
		t.Errorf("Routes = %v, want [002]", d.Routes)
	}
}

func TestRoutingMatrixIncludesOfflineRegisteredIDs(t *testing.T) {
	online := &fakeOnline{ids: []string{"001"}, allIDs: []string{"001", "002"}}
	e := New(online, 0)

	matrix := e.RoutingMatrix()
	byID := make(map[string]DeviceRoutes)
	for _, d := range matrix {
		byID[d.ID] = d
	}

	d, ok := byID["002"]
	if !ok {
		t.Fatal("expected offline registered endpoint 002 in routing matrix")
	}
	if d.Online {
		t.Error("expected 002 to be reported offline")
	}
	if len(d.Routes) != 0 {
		t.Errorf("Routes = %v, want empty for an endpoint with no routes", d.Routes)
	}
}

func TestApplyAllToAll(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002", "003"}}
	e := New(online, 0)

	if err := e.Apply(ScenarioAllToAll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, id := range online.ids {
		got := sortedStrings(e.GetRoutes(id))
		want := sortedStrings(without(online.ids, id))
		if !reflect.DeepEqual(got, want) {
			t.Errorf("GetRoutes(%s) = %v, want %v", id, got, want)
		}
	}
}

func TestApplyPairs(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002", "003", "004"}}
	e := New(online, 0)

	if err := e.Apply(ScenarioPairs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.GetRoutes("001"); !reflect.DeepEqual(got, []string{"002"}) {
		t.Errorf("GetRoutes(001) = %v, want [002]", got)
	}
	if got := e.GetRoutes("003"); !reflect.DeepEqual(got, []string{"004"}) {
		t.Errorf("GetRoutes(003) = %v, want [004]", got)
	}
}

func TestApplyChain(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002", "003"}}
	e := New(online, 0)

	if err := e.Apply(ScenarioChain); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.GetRoutes("001"); !reflect.DeepEqual(got, []string{"002"}) {
		t.Errorf("GetRoutes(001) = %v, want [002]", got)
	}
	if got := e.GetRoutes("002"); !reflect.DeepEqual(got, []string{"003"}) {
		t.Errorf("GetRoutes(002) = %v, want [003]", got)
	}
	if got := e.GetRoutes("003"); len(got) != 0 {
		t.Errorf("GetRoutes(003) = %v, want empty (chain tail)", got)
	}
}

func TestApplyHub(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002", "003"}}
	e := New(online, 0)

	if err := e.Apply(ScenarioHub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := sortedStrings(e.GetRoutes("001"))
	if !reflect.DeepEqual(got, []string{"002", "003"}) {
		t.Errorf("GetRoutes(001) = %v, want [002 003]", got)
	}
	if got := e.GetRoutes("002"); !reflect.DeepEqual(got, []string{"001"}) {
		t.Errorf("GetRoutes(002) = %v, want [001]", got)
	}
}

func TestApplyClearWipesState(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002"}}
	e := New(online, 0)
	e.SetRoute("001", "002")
	e.EnableBroadcast("001")
	e.Mute("002")

	if err := e.Apply(ScenarioClear); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.GetRoutes("001"); len(got) != 0 {
		t.Errorf("GetRoutes(001) = %v, want empty after clear", got)
	}
}

func TestApplyUnknownScenario(t *testing.T) {
	online := &fakeOnline{ids: []string{"001"}}
	e := New(online, 0)

	if err := e.Apply("not-a-scenario"); err == nil {
		t.Fatal("expected error for unknown scenario")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	online := &fakeOnline{ids: []string{"001", "002"}}
	e := New(online, 0)
	e.SetRoute("001", "002")
	e.EnableBroadcast("002")
	e.Mute("001")

	cfg := e.Export()

	e2 := New(online, 0)
	if err := e2.Import(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := e2.GetRoutes("001"); len(got) != 0 {
		t.Errorf("GetRoutes(001) = %v, want empty (still muted)", got)
	}
	e2.Unmute("001")
	if got := e2.GetRoutes("001"); !reflect.DeepEqual(got, []string{"002"}) {
		t.Errorf("GetRoutes(001) = %v, want [002]", got)
	}
}

func TestImportFailureLeavesEngineEmpty(t *testing.T) {
	online := &fakeOnline{ids: []string{"001"}}
	e := New(online, 0)
	e.SetRoute("001", "999") // pre-existing state that must not survive a failed import

	bad := ExportedConfig{
		Routes: map[string][]string{"": {"002"}},
	}
	if err := e.Import(bad); err == nil {
		t.Fatal("expected import error for empty source id")
	}
	if got := e.GetRoutes("001"); len(got) != 0 {
		t.Errorf("GetRoutes(001) = %v, want empty after failed import", got)
	}
}
