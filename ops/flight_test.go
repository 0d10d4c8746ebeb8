package ops

import (
	"errors"
	"testing"
	"time"

	"github.com/Keksclan/goRawrCache/cacheerr"
)

func TestFlight_FollowersShareOutcome(t *testing.T) {
	var f flight[int]
	started := make(chan struct{})
	release := make(chan struct{})

	leader := make(chan int, 1)
	go func() {
		v, _, _ := f.do(t.Context(), "k", func() (int, error) {
			close(started)
			<-release
			return 7, nil
		})
		leader <- v
	}()
	<-started

	follower := make(chan bool, 1)
	go func() {
		v, err, shared := f.do(t.Context(), "k", func() (int, error) { return 0, errors.New("must not run") })
		follower <- shared && err == nil && v == 7
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if v := <-leader; v != 7 {
		t.Fatalf("leader got %d", v)
	}
	if !<-follower {
		t.Fatal("follower did not share the leader's result")
	}
	if f.inFlight() != 0 {
		t.Fatalf("in-flight = %d after completion", f.inFlight())
	}
}

func TestFlight_PanicFailsFollowers(t *testing.T) {
	var f flight[int]
	started := make(chan struct{})
	release := make(chan struct{})

	recovered := make(chan any, 1)
	go func() {
		defer func() { recovered <- recover() }()
		_, _, _ = f.do(t.Context(), "k", func() (int, error) {
			close(started)
			<-release
			panic("boom")
		})
	}()
	<-started

	followerErr := make(chan error, 1)
	go func() {
		_, err, _ := f.do(t.Context(), "k", func() (int, error) { return 1, nil })
		followerErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if r := <-recovered; r != "boom" {
		t.Fatalf("leader recovered %v, want the original panic", r)
	}
	if err := <-followerErr; !errors.Is(err, cacheerr.ErrRemoteUnavailable) {
		t.Fatalf("follower got %v, want remote unavailable", err)
	}
	if f.inFlight() != 0 {
		t.Fatalf("in-flight = %d after panic", f.inFlight())
	}
}
