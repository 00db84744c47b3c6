package service

import (
	"context"
	"strings"

	"perpbot/internal/models"
)

// WebSocketBroadcaster - интерфейс для отправки WebSocket сообщений
//
// Позволяет избежать циклических зависимостей между пакетами
// и упрощает тестирование (можно подставить mock)
type WebSocketBroadcaster interface {
	BroadcastNotification(notif *models.Notification)
}

// Размеры выборок журнала
const (
	defaultNotificationLimit = 100
	maxNotificationLimit     = 500
)

// NotificationService - журнал уведомлений и их трансляция в UI.
//
// Реализует notify.Sink: Dispatcher вызывает Send из своей горутины,
// поэтому запись в БД не задерживает торговые циклы.
// Без БД (repo == nil) уведомления только транслируются по WebSocket.
type NotificationService struct {
	repo  NotificationRepositoryInterface
	wsHub WebSocketBroadcaster
}

// NewNotificationService создает новый экземпляр NotificationService.
func NewNotificationService(repo NotificationRepositoryInterface) *NotificationService {
	return &NotificationService{repo: repo}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast уведомлений.
func (s *NotificationService) SetWebSocketHub(hub WebSocketBroadcaster) {
	s.wsHub = hub
}

// Name - имя канала доставки
func (s *NotificationService) Name() string {
	return "journal"
}

// Send сохраняет уведомление и транслирует его клиентам.
// Ошибка записи возвращается, но broadcast выполняется в любом случае.
func (s *NotificationService) Send(ctx context.Context, n *models.Notification) error {
	var err error
	if s.repo != nil {
		err = s.repo.Create(ctx, n)
	}

	if s.wsHub != nil {
		s.wsHub.BroadcastNotification(n)
	}

	return err
}

// GetNotifications возвращает последние уведомления, опционально по типам.
//
// Типы нормализуются к верхнему регистру; неизвестные отбрасываются.
// Если после фильтрации не осталось ни одного типа, возвращаются все.
func (s *NotificationService) GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	if s.repo == nil {
		return []*models.Notification{}, nil
	}

	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}

	normalized := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" && IsValidNotificationType(t) {
			normalized = append(normalized, t)
		}
	}

	if len(normalized) > 0 {
		return s.repo.GetByTypes(ctx, normalized, limit)
	}
	return s.repo.GetRecent(ctx, limit)
}

// CleanupOld удаляет уведомления, оставляя только последние keep записей.
func (s *NotificationService) CleanupOld(ctx context.Context, keep int) (int64, error) {
	if s.repo == nil {
		return 0, nil
	}
	if keep <= 0 {
		keep = defaultNotificationLimit
	}
	return s.repo.KeepRecent(ctx, keep)
}

var validNotificationTypes = map[string]bool{
	models.NotificationTypeOpen:      true,
	models.NotificationTypeScaleIn:   true,
	models.NotificationTypeClose:     true,
	models.NotificationTypePartial:   true,
	models.NotificationTypeSL:        true,
	models.NotificationTypeTP:        true,
	models.NotificationTypeDailyLock: true,
	models.NotificationTypeSync:      true,
	models.NotificationTypeError:     true,
	models.NotificationTypeLifecycle: true,
	models.NotificationTypeRelay:     true,
}

// IsValidNotificationType проверяет, является ли тип допустимым.
func IsValidNotificationType(notifType string) bool {
	return validNotificationTypes[strings.ToUpper(notifType)]
}
