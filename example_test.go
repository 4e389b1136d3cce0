package kpoll_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-kpoll"
)

func ExampleThread_Poll() {
	k, err := kpoll.New()
	if err != nil {
		panic(err)
	}

	counter := k.NewCounter(0, 0)
	latch := k.NewLatch()
	consumer := k.NewThread(`consumer`, 5)

	events := []kpoll.Event{
		kpoll.CounterEvent(counter),
		kpoll.LatchEvent(latch),
	}

	done := make(chan error, 1)
	go func() { done <- consumer.Poll(context.Background(), events, kpoll.Forever) }()

	for counter.Waiters() == 0 || latch.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}

	counter.Give()

	fmt.Println(<-done)
	for i := range events {
		fmt.Println(events[i].Kind(), events[i].State())
	}
	fmt.Println(`latch waiters:`, latch.Waiters())

	//output:
	//<nil>
	//CounterAvailable CounterAvailable
	//LatchSignaled NotReady
	//latch waiters: 0
}

func ExampleThread_Poll_timeout() {
	k, err := kpoll.New()
	if err != nil {
		panic(err)
	}

	ch := kpoll.NewChannel[string](k)
	th := k.NewThread(`reader`, 1)

	events := []kpoll.Event{kpoll.ChannelEvent(ch)}

	fmt.Println(th.Poll(context.Background(), events, kpoll.NoWait))
	fmt.Println(th.Poll(context.Background(), events, kpoll.Timeout(time.Millisecond*10)))

	ch.Put(`hello`)
	fmt.Println(th.Poll(context.Background(), events, kpoll.NoWait), events[0].State())

	//output:
	//kpoll: operation would block
	//kpoll: operation timed out
	//<nil> DataAvailable
}

func ExampleThread_UserPoll() {
	k, err := kpoll.New()
	if err != nil {
		panic(err)
	}

	latch := k.NewLatch()
	latch.Raise(42)

	region := kpoll.NewUserRegion(0x8000, 64)
	user := k.NewUserThread(`user`, 10, region)
	k.Grant(latch, user)

	if err := region.WriteDescriptors(0x8000,
		kpoll.Descriptor{Kind: kpoll.KindLatchSignaled, Handle: latch.Handle()},
		kpoll.Descriptor{Kind: kpoll.KindIgnore},
	); err != nil {
		panic(err)
	}

	fmt.Println(user.UserPoll(context.Background(), 0x8000, 2, kpoll.NoWait))

	results, err := region.ReadDescriptors(0x8000, 2)
	if err != nil {
		panic(err)
	}
	for _, d := range results {
		fmt.Println(d.Kind, d.State)
	}

	// a malformed call faults the thread
	err = user.UserPoll(context.Background(), 0x8000, 0, kpoll.NoWait)
	fmt.Println(errors.Is(err, kpoll.ErrInvalidArgument))
	fmt.Println(user.Fault())

	//output:
	//<nil>
	//LatchSignaled Signaled
	//Ignore NotReady
	//true
	//kpoll: access violation by thread "user": zero descriptors
}
