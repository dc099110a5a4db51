// Package audiomix реализует медиа платформу софтфона без звуковой карты.
//
// Все аудио представлено кадрами линейного PCM 16 бит, 8 кГц, 20 мс
// (160 отсчетов). Кадры забираются потребителями (отправитель RTP, выход на
// устройство, узел микширования) раз в 20 мс; номер кадра (tick) общий для всех
// потребителей, поэтому один входящий трек может одновременно подмешиваться
// в несколько миксов.
//
// Основные типы:
//
//   - Track - трек с флагом включения; выключенный трек отдает тишину
//   - Graph и Destination - граф конференции: узел суммирует подключенные треки
//     с ограничением по диапазону int16
//   - Platform - виртуальные устройства ввода (тон, тишина) и вывода (измерители
//     уровня), реализует callroom.MediaPlatform
//   - Packetizer - упаковка кадров в RTP (G.711 μ-law) через pion/rtp
package audiomix
