package utils

import (
	"time"

	"github.com/cppla/mingblog/config"
)

func regKey(parts ...string) string {
	key := "reg"
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// RegistrationCooldownTry enforces a short cooldown between attempts per IP.
func RegistrationCooldownTry(ip string) bool {
	sec := config.Get().RegisterAttemptCooldownSec
	if sec <= 0 {
		return true
	}
	return TryCooldown(regKey("cooldown", ip), time.Duration(sec)*time.Second)
}

// RegistrationDailyLimitCheck allows up to N successful registrations per day per IP.
func RegistrationDailyLimitCheck(ip string) bool {
	limit := config.Get().RegisterMaxPerIPPerDay
	if limit <= 0 {
		return true
	}
	return CounterGet(regKey("succday", ip, time.Now().Format("20060102"))) < limit
}

// RegistrationDailyIncrement increments the success counter for today.
func RegistrationDailyIncrement(ip string) {
	CounterIncr(regKey("succday", ip, time.Now().Format("20060102")), 24*time.Hour)
}
