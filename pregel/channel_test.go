package pregel

import (
	"errors"
	"testing"
)

func TestLastValueSingleWrite(t *testing.T) {
	c := NewLastValue[int](0)
	if c.IsAvailable() {
		t.Fatal("expected fresh LastValue to be unavailable")
	}
	v, err := c.Update([]int{5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 5 {
		t.Fatalf("expected 5, got %d", v)
	}
	got, err := c.Get()
	if err != nil || got != 5 {
		t.Fatalf("expected Get() = 5, got %d, err %v", got, err)
	}
}

func TestLastValueMultipleWritesWithoutReducerErrors(t *testing.T) {
	c := NewLastValue[int](0)
	_, err := c.Update([]int{1, 2})
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindInvalidUpdate {
		t.Fatalf("expected InvalidUpdate, got %v", err)
	}
}

func TestLastValueMultipleWritesWithReducer(t *testing.T) {
	c := NewLastValue[int](0)
	c.Reduce = func(acc, next int) int { return acc + next }
	v, err := c.Update([]int{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 6 {
		t.Fatalf("expected reduced sum 6, got %d", v)
	}
}

func TestLastValueEmptyGetFails(t *testing.T) {
	c := NewLastValue[string]("")
	_, err := c.Get()
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindEmptyChannel {
		t.Fatalf("expected EmptyChannel, got %v", err)
	}
}

func TestTopicAccumulates(t *testing.T) {
	c := NewTopic[string](true)
	if _, err := c.Update([][]string{{"a"}, {"b"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Update([][]string{{"c"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := c.Get()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestTopicNonAccumulatingResetsEachSuperstep(t *testing.T) {
	c := NewTopic[int](false)
	if _, err := c.Update([][]int{{1, 2}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Update([][]int{{3}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := c.Get()
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected only the latest superstep's writes [3], got %v", got)
	}
}

func TestBinaryOperatorAggregateFoldsFromInit(t *testing.T) {
	c := NewBinaryOperatorAggregate[int](0, func(acc, next int) int { return acc + next })
	v, err := c.Update([]int{10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 10 {
		t.Fatalf("expected Init 0 folded with the first write 10 to give 10, got %d", v)
	}
	v, err = c.Update([]int{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 16 {
		t.Fatalf("expected running sum 16, got %d", v)
	}
}

func TestBinaryOperatorAggregateMissingOp(t *testing.T) {
	c := &BinaryOperatorAggregate[int]{}
	_, err := c.Update([]int{1})
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindInvalidGraph {
		t.Fatalf("expected InvalidGraph for missing Op, got %v", err)
	}
}

func TestEphemeralValueConsumedAfterOneSuperstep(t *testing.T) {
	c := NewEphemeralValue[int](0)
	if _, err := c.Update([]int{7}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.IsAvailable() {
		t.Fatal("expected value to be available right after write")
	}
	v, err := c.Get()
	if err != nil || v != 7 {
		t.Fatalf("expected Get() = 7, got %d, err %v", v, err)
	}
	c.Consume()
	if c.IsAvailable() {
		t.Fatal("expected value to be unavailable after Consume")
	}
	_, err = c.Get()
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindEmptyChannel {
		t.Fatalf("expected EmptyChannel after consume, got %v", err)
	}
}

func TestEphemeralValueMultipleWritesInOneStepErrors(t *testing.T) {
	c := NewEphemeralValue[int](0)
	_, err := c.Update([]int{1, 2})
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindInvalidUpdate {
		t.Fatalf("expected InvalidUpdate, got %v", err)
	}
}
