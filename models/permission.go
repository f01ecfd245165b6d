package models

// Permission is a bitmask of actions a role allows.
type Permission int

const (
	PermFollow           Permission = 0x01
	PermComment          Permission = 0x02
	PermWriteArticles    Permission = 0x04
	PermModerateComments Permission = 0x08
	PermAdminister       Permission = 0x80
)

// Has reports whether every bit of want is set in p.
func (p Permission) Has(want Permission) bool {
	return p&want == want
}
