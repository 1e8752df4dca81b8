// authz — чистый движок авторизационных решений (RBAC).
//
// Пакет не выполняет I/O и не знает про транспорт: на вход — снимок
// Principal, собранный после аутентификации, на выход — булево решение.
// Порядок проверок обязан соблюдаться вызывающим: сначала аутентификация
// (валидность токена, 401), затем авторизация (роли/права, 403); публичные
// операции помечаются явным дескриптором на маршруте и минуют обе проверки.
package authz

import "github.com/google/uuid"

// Principal — разрешённая личность запроса: неизменяемый снимок,
// построенный из клеймов access-токена либо из записи пользователя.
// Permissions — объединение прав всех ролей, имена "resource:action".
type Principal struct {
	UserID      uuid.UUID
	Email       string
	Username    string
	Roles       []string
	Permissions []string
}

// HasAnyRole возвращает true, если required пуст либо пересекается
// с ролями принципала (логическое ИЛИ по требуемым ролям).
func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}

	roles := make(map[string]struct{}, len(p.Roles))
	for _, r := range p.Roles {
		roles[r] = struct{}{}
	}

	for _, r := range required {
		if _, ok := roles[r]; ok {
			return true
		}
	}

	return false
}

// HasPermission проверяет наличие права (resource, action) в производном
// наборе прав принципала. Набор формируется хранилищем как объединение
// прав по всем ролям; движок только проверяет принадлежность.
func HasPermission(p Principal, resource, action string) bool {
	want := PermissionName(resource, action)

	for _, perm := range p.Permissions {
		if perm == want {
			return true
		}
	}

	return false
}

// PermissionName — каноническое имя права.
func PermissionName(resource, action string) string {
	return resource + ":" + action
}
