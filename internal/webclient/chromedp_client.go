package webclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/achilleshq/sentinel/internal/logging"
)

// ChromeDPClient fetches pages through a headless browser so content rendered
// asynchronously by frameworks is present in the returned document. Each Do
// spins up a tab, navigates, waits for the network to go idle, then captures
// the outer HTML.
type ChromeDPClient struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	idleAfter   time.Duration
	logger      logging.Logger
}

// NewChromeDPClient constructs the browser-backed client.
func NewChromeDPClient(cfg Config, logger logging.Logger) (*ChromeDPClient, error) {
	idleAfter := cfg.IdleAfter
	if idleAfter == 0 {
		idleAfter = 2 * time.Second
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	componentLogger := logger.With(logging.Field{Key: "component", Value: "webclient-chromedp"})
	componentLogger.Debug("created chromedp webclient",
		logging.Field{Key: "idle_after", Value: idleAfter.String()})

	return &ChromeDPClient{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		idleAfter:   idleAfter,
		logger:      componentLogger,
	}, nil
}

// waitNetworkIdle returns a channel that is signalled once no network request
// has been in flight for idleAfter.
func waitNetworkIdle(ctx context.Context, idleAfter time.Duration) chan struct{} {
	idleChan := make(chan struct{})
	var activeReqs int32
	var timer *time.Timer
	var timerMutex sync.Mutex
	var once sync.Once

	startTimer := func() {
		timerMutex.Lock()
		defer timerMutex.Unlock()

		if timer != nil {
			timer.Stop()
		}

		timer = time.AfterFunc(idleAfter, func() {
			if atomic.LoadInt32(&activeReqs) == 0 {
				once.Do(func() { close(idleChan) })
			}
		})
	}

	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			atomic.AddInt32(&activeReqs, 1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			if atomic.AddInt32(&activeReqs, -1) <= 0 {
				startTimer()
			}
		}
	})

	// Arm once up front in case the page triggers no network activity at all.
	startTimer()

	return idleChan
}

// Do implements WebClient by navigating to req.URL and returning the rendered
// document. Non-GET requests are not supported by this backend.
func (cdc *ChromeDPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, fmt.Errorf("chromedp backend supports GET only, got %s", req.Method)
	}

	tabCtx, cancel := chromedp.NewContext(cdc.allocCtx)
	defer cancel()

	if deadline, ok := ctx.Deadline(); ok {
		var timeoutCancel context.CancelFunc
		tabCtx, timeoutCancel = context.WithDeadline(tabCtx, deadline)
		defer timeoutCancel()
	}

	waitIdleChan := waitNetworkIdle(tabCtx, cdc.idleAfter)

	if err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(req.URL),
	); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", req.URL, err)
	}

	select {
	case <-waitIdleChan:
	case <-tabCtx.Done():
		return nil, tabCtx.Err()
	}

	var html string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return nil, fmt.Errorf("capture outer html: %w", err)
	}

	return &Response{
		Request:    req,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte(html),
		StatusCode: http.StatusOK,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// Close tears down the browser allocator.
func (cdc *ChromeDPClient) Close() error {
	if cdc.allocCancel != nil {
		cdc.allocCancel()
	}
	return nil
}
