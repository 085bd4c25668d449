package delay

import (
	"strings"

	"github.com/BearBump/ShipRadar/internal/models"
)

// Окна доставки в рабочих днях по нормализованному service level.
var serviceLevelWindows = map[string]int32{
	"ups_ground":             5,
	"ups_3_day_select":       3,
	"ups_2nd_day_air":        2,
	"ups_next_day_air":       1,
	"ups_next_day_air_saver": 1,

	"fedex_ground":             5,
	"fedex_home_delivery":      5,
	"fedex_express_saver":      3,
	"fedex_2day":               2,
	"fedex_standard_overnight": 1,
	"fedex_priority_overnight": 1,

	"usps_ground_advantage":      5,
	"usps_priority_mail":         3,
	"usps_priority_mail_express": 2,
	"usps_first_class_mail":      5,
	"usps_media_mail":            8,
}

// Фоллбек, когда service level неизвестен совсем.
var carrierFallbackWindows = map[models.Carrier]int32{
	models.CarrierUPS:     5,
	models.CarrierFedEx:   5,
	models.CarrierUSPS:    7,
	models.CarrierUnknown: 7,
}

const defaultWindow = int32(7)

// NormalizeServiceLevel приводит сырую строку сервиса к каноническому ключу:
// "UPS® Ground" -> "ups_ground", "Priority Mail" (USPS) -> "usps_priority_mail".
// Идемпотентна: нормализация нормализованного ключа возвращает его же.
func NormalizeServiceLevel(carrier models.Carrier, raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))

	// Торговые знаки и прочий мусор из фидов магазинов.
	for _, glyph := range []string{"®", "™", "©"} {
		s = strings.ReplaceAll(s, glyph, "")
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '_' || r == '-' || r == '.':
			b.WriteRune(' ')
		}
		// Всё остальное (пунктуация) выбрасываем.
	}
	key := strings.Join(strings.Fields(b.String()), "_")

	prefix := strings.ToLower(string(carrier))
	if key == "" {
		return prefix
	}
	if carrier != models.CarrierUnknown && !strings.HasPrefix(key, prefix+"_") && key != prefix {
		key = prefix + "_" + key
	}
	return key
}

// ResolveWindow возвращает окно доставки в рабочих днях для посылки:
// переопределение мерчанта -> встроенная таблица -> фоллбек перевозчика.
func ResolveWindow(carrier models.Carrier, serviceLevel string, overrides map[string]int32) int32 {
	key := NormalizeServiceLevel(carrier, serviceLevel)

	if w, ok := overrides[key]; ok && w > 0 {
		return w
	}
	if w, ok := serviceLevelWindows[key]; ok {
		return w
	}
	if w, ok := carrierFallbackWindows[carrier]; ok {
		return w
	}
	return defaultWindow
}
