package notify

import (
	"context"
	"sync"
	"time"

	"perpbot/internal/models"
	"perpbot/pkg/utils"
)

const defaultSendTimeout = 5 * time.Second

// Dispatcher - асинхронная доставка уведомлений во все Sink.
//
// Notify не блокирует: при переполнении буфера событие отбрасывается и вызывается OnDrop.
type Dispatcher struct {
	ch          chan *models.Notification
	sinks       []Sink
	sendTimeout time.Duration
	log         *utils.Logger
	now         func() time.Time

	// OnDrop вызывается при переполнении буфера (метрика)
	OnDrop func()
	// OnSinkError вызывается при ошибке доставки (метрика)
	OnSinkError func(sink string)

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// NewDispatcher создаёт диспетчер с буфером bufferSize
func NewDispatcher(bufferSize int, log *utils.Logger, sinks ...Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if log == nil {
		log = utils.L()
	}
	return &Dispatcher{
		ch:          make(chan *models.Notification, bufferSize),
		sinks:       sinks,
		sendTimeout: defaultSendTimeout,
		log:         log.WithComponent("notify"),
		now:         time.Now,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// AddSink добавляет канал доставки; вызывать до Start
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Notify ставит уведомление в очередь без блокировки
func (d *Dispatcher) Notify(n *models.Notification) {
	if n == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = d.now()
	}
	if n.Severity == "" {
		n.Severity = models.SeverityInfo
	}

	select {
	case d.ch <- n:
	default:
		d.log.Warn("notification buffer full, dropping",
			utils.String("type", n.Type),
			utils.String("message", n.Message))
		if d.OnDrop != nil {
			d.OnDrop()
		}
	}
}

// Start запускает worker доставки
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case n := <-d.ch:
			d.deliver(n)
		case <-d.stopCh:
			// дожимаем то, что уже в очереди
			for {
				select {
				case n := <-d.ch:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n *models.Notification) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		err := s.Send(ctx, n)
		cancel()
		if err == nil {
			continue
		}
		d.log.Warn("notification delivery failed",
			utils.String("sink", s.Name()),
			utils.String("type", n.Type),
			utils.Err(err))
		if d.OnSinkError != nil {
			d.OnSinkError(s.Name())
		}
	}
}

// Stop останавливает worker, доставив накопленные уведомления; ждёт не дольше ctx
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.startOnce.Do(func() {
		// worker не запускался: доставлять некому, закрываем done сами
		close(d.done)
	})

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending - число уведомлений в очереди
func (d *Dispatcher) Pending() int {
	return len(d.ch)
}
