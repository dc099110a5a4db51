// Package callroom реализует оркестрацию вызовов и комнат софтфона.
//
// Пакет находится над SIP user agent и медиа платформой и отвечает за:
//
//   - реестр вызовов (Call Registry) и их публичное представление CallView
//   - реестр комнат (Room Registry) и указатель активной комнаты
//   - реконсиляцию комнаты: hold/unhold, mute, маршрутизация исходящего аудио
//   - конференц-микширование для комнат с несколькими участниками
//   - рассылку событий жизненного цикла вызова подписчикам
//
// # Архитектура
//
// Центральный объект - Phone. Все изменения реестров проходят через его методы,
// SIP стек уведомляет Phone через интерфейс SessionHandler. Каждый вызов имеет
// собственный конечный автомат (looplab/fsm):
//
//	[New] → [Created] → [Progressing] → [Confirmed] → [Ended]
//	                 ↘                ↘             ↘ [Failed]
//
// Только входы в состояния Created, Ended и Failed меняют состав реестра вызовов.
//
// # Быстрый старт
//
//	platform, err := audiomix.NewPlatform(audiomix.DefaultPlatformConfig(), logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	phone, err := callroom.NewPhone(callroom.DefaultConfig(), callroom.Dependencies{
//		NewUserAgent: sipua.NewFactory(sipua.DefaultConfig(), logger),
//		Platform:     platform,
//		Preferences:  prefs.NewMemoryStore(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = phone.Init(ctx, callroom.InitParams{Domain: "pbx.local"})
//	id, err := phone.Call(ctx, "1001")
//
// Реконсиляции одной комнаты не сериализуются. Каждая комната хранит номер
// поколения; замена исходящего трека, завершившаяся после более новой
// реконсиляции, отбрасывается.
package callroom
