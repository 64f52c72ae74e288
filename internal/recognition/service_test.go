package recognition

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClient struct {
	result   Result
	err      error
	deadline bool
}

func (f *fakeClient) Recognize(ctx context.Context, _ Image) (Result, error) {
	_, f.deadline = ctx.Deadline()
	return f.result, f.err
}

func TestRecognizeTrimsTextAndMarksSuccess(t *testing.T) {
	client := &fakeClient{result: Result{Text: "  Hello Wrold \n", Confidence: 0.9}}
	svc := New(client, time.Second)

	res, err := svc.Recognize(context.Background(), Image{Data: []byte("png"), MIME: "image/png"})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Text != "Hello Wrold" || !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !client.deadline {
		t.Fatal("expected service timeout to be applied to the backend context")
	}
}

func TestRecognizeReportsBackendError(t *testing.T) {
	svc := New(&fakeClient{err: errors.New("engine crashed")}, time.Second)

	res, err := svc.Recognize(context.Background(), Image{Data: []byte("png")})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Success || res.Err != "engine crashed" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRecognizeRejectsEmptyImage(t *testing.T) {
	svc := New(&fakeClient{}, time.Second)
	if _, err := svc.Recognize(context.Background(), Image{}); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFilterDropsLowConfidenceRegions(t *testing.T) {
	in := Result{
		Text: "Hello ## Wrold",
		Regions: []Region{
			{Text: "Hello", Confidence: 0.9},
			{Text: "##", Confidence: 0.1},
			{Text: "Wrold", Confidence: 0.7},
		},
	}

	out, ok := Filter(in, 0.40, 0.35)
	if !ok {
		t.Fatal("expected filtered result to pass")
	}
	if out.Text != "Hello Wrold" {
		t.Fatalf("unexpected text: %q", out.Text)
	}
	if len(out.Regions) != 2 {
		t.Fatalf("unexpected regions: %+v", out.Regions)
	}
	if out.Confidence < 0.79 || out.Confidence > 0.81 {
		t.Fatalf("unexpected aggregate confidence: %v", out.Confidence)
	}
}

func TestFilterKeepsLineStructureWhenNothingDropped(t *testing.T) {
	in := Result{
		Text: "line one\nline two",
		Regions: []Region{
			{Text: "line one", Confidence: 0.8},
			{Text: "line two", Confidence: 0.8},
		},
	}
	out, ok := Filter(in, 0.40, 0.35)
	if !ok || out.Text != "line one\nline two" {
		t.Fatalf("unexpected result: ok=%v text=%q", ok, out.Text)
	}
}

func TestFilterRejectsWhenAllRegionsDropped(t *testing.T) {
	in := Result{Text: "?? !!", Regions: []Region{{Text: "??", Confidence: 0.2}, {Text: "!!", Confidence: 0.3}}}
	out, ok := Filter(in, 0.40, 0.35)
	if ok || out.Text != "" || out.Confidence != 0 {
		t.Fatalf("unexpected result: ok=%v %+v", ok, out)
	}
}

func TestFilterWithoutRegionsUsesAggregate(t *testing.T) {
	if _, ok := Filter(Result{Text: "hi", Confidence: 0.2}, 0.40, 0.35); ok {
		t.Fatal("expected aggregate below threshold to fail")
	}
	if _, ok := Filter(Result{Text: "hi", Confidence: 0.5}, 0.40, 0.35); !ok {
		t.Fatal("expected aggregate above threshold to pass")
	}
	if _, ok := Filter(Result{Text: "   ", Confidence: 1}, 0.40, 0.35); ok {
		t.Fatal("expected empty text to fail")
	}
}
